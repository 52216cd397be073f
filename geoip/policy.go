package geoip

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Action is what happens to a request matched by a rule.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionDeny      Action = "deny"
	ActionRateLimit Action = "rate_limit"
	ActionRedirect  Action = "redirect"
	ActionLogOnly   Action = "log_only"
)

// Config is the geographic policy as loaded from configuration.
type Config struct {
	Enabled bool `mapstructure:"enabled"`
	// Database is a MaxMind City database (.mmdb).
	Database string       `mapstructure:"database" validate:"required_if=Enabled true"`
	Default  ActionConfig `mapstructure:"default"`
	Rules    []RuleConfig `mapstructure:"rules" validate:"dive"`
}

// ActionConfig selects an action and its parameters.
type ActionConfig struct {
	Action Action `mapstructure:"action" validate:"omitempty,oneof=allow deny rate_limit redirect log_only"`
	// RequestsPerMinute applies to rate_limit. Zero rejects every request.
	RequestsPerMinute int `mapstructure:"requests_per_minute" validate:"gte=0"`
	// RedirectURL applies to redirect. A URL ending in "/" has the request
	// path appended.
	RedirectURL string `mapstructure:"redirect_url" validate:"omitempty,url"`
}

// RuleConfig matches a location on every condition it sets. A rule without
// conditions matches every request.
type RuleConfig struct {
	Name     string `mapstructure:"name" validate:"required"`
	Priority int    `mapstructure:"priority"`
	Disabled bool   `mapstructure:"disabled"`

	Countries  []string    `mapstructure:"countries"`
	Continents []string    `mapstructure:"continents"`
	Regions    []string    `mapstructure:"regions"`
	Cities     []string    `mapstructure:"cities"`
	TimeZones  []string    `mapstructure:"time_zones"`
	Near       *NearConfig `mapstructure:"near"`

	ActionConfig `mapstructure:",squash"`
}

// NearConfig matches locations within RadiusKM of a point.
type NearConfig struct {
	Latitude  float64 `mapstructure:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `mapstructure:"longitude" validate:"gte=-180,lte=180"`
	RadiusKM  float64 `mapstructure:"radius_km" validate:"gt=0"`
}

// Decision is the outcome for one request.
type Decision struct {
	Action Action
	// Rule is the matching rule, empty for the default action.
	Rule     string
	Location Location

	RequestsPerMinute int
	// Limited is set when a rate_limit action found the client over its
	// budget.
	Limited bool
	// RetryAfter is how long a limited client should wait.
	RetryAfter time.Duration

	RedirectURL string
}

// Blocked reports whether the request must not be served here.
func (d Decision) Blocked() bool {
	switch d.Action {
	case ActionDeny, ActionRedirect:
		return true
	case ActionRateLimit:
		return d.Limited
	}
	return false
}

func (d Decision) String() string {
	var b strings.Builder
	b.WriteString("geo ")
	b.WriteString(string(d.Action))
	switch d.Action {
	case ActionRateLimit:
		fmt.Fprintf(&b, " %d/min", d.RequestsPerMinute)
		if d.Limited {
			b.WriteString(" exceeded")
		}
	case ActionRedirect:
		b.WriteString(" " + d.RedirectURL)
	}
	if d.Rule == "" {
		b.WriteString(" (default)")
	} else {
		fmt.Fprintf(&b, " (%s)", d.Rule)
	}
	b.WriteString(" " + d.Location.String())
	return b.String()
}

type action struct {
	kind     Action
	rpm      int
	redirect string
}

type rule struct {
	name     string
	priority int

	countries  set
	continents set
	regions    set
	cities     set
	timeZones  set
	near       *NearConfig

	action action
}

type set map[string]struct{}

func newSet(values []string, normalize func(string) string) set {
	if len(values) == 0 {
		return nil
	}
	s := make(set, len(values))
	for _, v := range values {
		if v = normalize(strings.TrimSpace(v)); v != "" {
			s[v] = struct{}{}
		}
	}
	return s
}

// matches is true for an unset condition.
func (s set) matches(v string) bool {
	if s == nil {
		return true
	}
	_, ok := s[v]
	return ok
}

func identity(s string) string { return s }

func (r *rule) matches(loc Location) bool {
	if !r.countries.matches(loc.Country) ||
		!r.continents.matches(loc.Continent) ||
		!r.regions.matches(strings.ToLower(loc.Region)) ||
		!r.cities.matches(strings.ToLower(loc.City)) ||
		!r.timeZones.matches(loc.TimeZone) {
		return false
	}
	if r.near != nil {
		if !loc.HasCoordinates {
			return false
		}
		return distanceKM(loc.Latitude, loc.Longitude, r.near.Latitude, r.near.Longitude) <= r.near.RadiusKM
	}
	return true
}

// Policy is a compiled geographic policy. Rate limit budgets live in the
// Policy, so recompiling on reload starts them afresh.
type Policy struct {
	rules    []rule
	fallback action
	limits   *limiters
}

// Compile validates cfg and orders its enabled rules by descending priority.
// Rules of equal priority keep their configured order.
func Compile(cfg Config) (*Policy, error) {
	fallback, err := compileAction(cfg.Default)
	if err != nil {
		return nil, fmt.Errorf("default: %w", err)
	}
	p := &Policy{fallback: fallback, limits: newLimiters()}
	for i, rc := range cfg.Rules {
		if rc.Disabled {
			continue
		}
		if rc.Name == "" {
			return nil, fmt.Errorf("rule %d: name is required", i)
		}
		act, err := compileAction(rc.ActionConfig)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rc.Name, err)
		}
		if rc.Near != nil && rc.Near.RadiusKM <= 0 {
			return nil, fmt.Errorf("rule %q: near.radius_km must be positive", rc.Name)
		}
		p.rules = append(p.rules, rule{
			name:       rc.Name,
			priority:   rc.Priority,
			countries:  newSet(rc.Countries, strings.ToUpper),
			continents: newSet(rc.Continents, strings.ToUpper),
			regions:    newSet(rc.Regions, strings.ToLower),
			cities:     newSet(rc.Cities, strings.ToLower),
			timeZones:  newSet(rc.TimeZones, identity),
			near:       rc.Near,
			action:     act,
		})
	}
	slices.SortStableFunc(p.rules, func(a, b rule) int {
		return cmp.Compare(b.priority, a.priority)
	})
	return p, nil
}

func compileAction(ac ActionConfig) (action, error) {
	a := action{kind: ac.Action, rpm: ac.RequestsPerMinute, redirect: ac.RedirectURL}
	switch ac.Action {
	case "":
		a.kind = ActionAllow
	case ActionAllow, ActionDeny, ActionLogOnly:
	case ActionRateLimit:
		if ac.RequestsPerMinute < 0 {
			return action{}, errors.New("requests_per_minute must not be negative")
		}
	case ActionRedirect:
		u, err := url.Parse(ac.RedirectURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return action{}, fmt.Errorf("redirect needs an absolute http(s) redirect_url, got %q", ac.RedirectURL)
		}
	default:
		return action{}, fmt.Errorf("unknown action %q", ac.Action)
	}
	return a, nil
}

// Rules returns the number of enabled rules.
func (p *Policy) Rules() int {
	return len(p.rules)
}

// Decide picks the action for a request from loc for path. The first rule in
// priority order that matches wins; otherwise the default action applies.
// A rate_limit action spends one request of the client's budget.
func (p *Policy) Decide(loc Location, path string, now time.Time) Decision {
	act, name := p.fallback, ""
	for i := range p.rules {
		if p.rules[i].matches(loc) {
			act, name = p.rules[i].action, p.rules[i].name
			break
		}
	}

	d := Decision{Action: act.kind, Rule: name, Location: loc}
	switch act.kind {
	case ActionRateLimit:
		d.RequestsPerMinute = act.rpm
		d.Limited, d.RetryAfter = p.limits.take(name+"\x00"+loc.IP, act.rpm, now)
	case ActionRedirect:
		d.RedirectURL = act.redirect
		if strings.HasSuffix(act.redirect, "/") {
			d.RedirectURL += strings.TrimPrefix(path, "/")
		}
	}
	return d
}

// limiters holds one token bucket per rule and client. A bucket refills
// completely within a minute, so buckets idle that long are dropped.
type limiters struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	sweepAt int
}

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

const minSweep = 1024

func newLimiters() *limiters {
	return &limiters{buckets: make(map[string]*bucket), sweepAt: minSweep}
}

// take spends one request. It reports whether the client is over budget and
// if so when to retry.
func (l *limiters) take(key string, rpm int, now time.Time) (bool, time.Duration) {
	if rpm <= 0 {
		return true, time.Minute
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.buckets[key]
	if b == nil {
		if len(l.buckets) >= l.sweepAt {
			l.sweep(now)
		}
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60), rpm)}
		l.buckets[key] = b
	}
	b.seen = now
	if b.limiter.AllowN(now, 1) {
		return false, 0
	}
	return true, time.Duration(math.Ceil(60/float64(rpm))) * time.Second
}

func (l *limiters) sweep(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.seen) >= time.Minute {
			delete(l.buckets, k)
		}
	}
	l.sweepAt = max(minSweep, 2*len(l.buckets))
}

const earthRadiusKM = 6371.0

// distanceKM is the great-circle distance between two points.
func distanceKM(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
