package repo

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"pault.ag/go/debian/control"
)

// readParagraph reads the next deb822 paragraph. Multi-line values keep the
// first-line value (if any) followed by each continuation line, newline
// separated. It returns io.EOF once no paragraph is left.
func readParagraph(br *bufio.Reader) (map[string]string, error) {
	pr, err := control.NewParagraphReader(br, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	para, err := pr.Next()
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if para == nil || len(para.Values) == 0 {
		return nil, io.EOF
	}
	if _, ok := para.Values[""]; ok {
		return nil, fmt.Errorf("%w: continuation line before first field", ErrMalformed)
	}
	return para.Values, nil
}
