// Copyright 2023 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package perfdata

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var ErrInvalidPerfdata = errors.New("invalid perfdata")

// ValueType is stored as is in metrics.data_source_type.
type ValueType int16

const (
	Gauge ValueType = iota
	Counter
	Derive
	Absolute
)

func (v ValueType) String() string {
	switch v {
	case Counter:
		return "counter"
	case Derive:
		return "derive"
	case Absolute:
		return "absolute"
	default:
		return "gauge"
	}
}

// Perfdata is one sample of a check output.
// Unset thresholds and bounds are NaN.
type Perfdata struct {
	Name      string
	Unit      string
	Value     float64
	ValueType ValueType
	Warn      float64
	WarnLow   float64
	WarnMode  bool
	Crit      float64
	CritLow   float64
	CritMode  bool
	Min       float64
	Max       float64
}

func newPerfdata() Perfdata {
	nan := math.NaN()
	return Perfdata{
		Warn:    nan,
		WarnLow: nan,
		Crit:    nan,
		CritLow: nan,
		Min:     nan,
		Max:     nan,
	}
}

// Parse reads a Nagios perfdata string such as
//
//	'label'=value[UOM];[warn];[crit];[min];[max] ...
//
// Labels of the form d[name], c[name], a[name] and g[name] select the value type.
func Parse(s string) ([]Perfdata, error) {
	var out []Perfdata
	p := parser{s: s}
	for {
		p.skipSpaces()
		if p.eof() {
			return out, nil
		}
		pd, err := p.next()
		if err != nil {
			return nil, fmt.Errorf("%w: %s (in %q)", ErrInvalidPerfdata, err, s)
		}
		out = append(out, pd)
	}
}

type parser struct {
	s   string
	pos int
}

func (p *parser) eof() bool { return p.pos >= len(p.s) }

func (p *parser) skipSpaces() {
	for !p.eof() && isSpace(p.s[p.pos]) {
		p.pos++
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func (p *parser) next() (Perfdata, error) {
	pd := newPerfdata()

	label, err := p.label()
	if err != nil {
		return pd, err
	}
	pd.Name, pd.ValueType = splitType(label)
	if pd.Name == "" {
		return pd, errors.New("empty label")
	}

	value, ok := p.number()
	if !ok {
		return pd, fmt.Errorf("no value for %q", label)
	}
	pd.Value = value

	start := p.pos
	for !p.eof() && p.s[p.pos] != ';' && !isSpace(p.s[p.pos]) {
		p.pos++
	}
	pd.Unit = p.s[start:p.pos]

	// warn, crit, min, max
	for i := 0; i < 4 && !p.eof() && p.s[p.pos] == ';'; i++ {
		p.pos++
		start = p.pos
		for !p.eof() && p.s[p.pos] != ';' && !isSpace(p.s[p.pos]) {
			p.pos++
		}
		field := p.s[start:p.pos]
		switch i {
		case 0:
			pd.WarnLow, pd.Warn, pd.WarnMode, err = parseRange(field)
		case 1:
			pd.CritLow, pd.Crit, pd.CritMode, err = parseRange(field)
		case 2:
			pd.Min, err = parseBound(field)
		case 3:
			pd.Max, err = parseBound(field)
		}
		if err != nil {
			return pd, fmt.Errorf("%q: %w", label, err)
		}
	}
	if !p.eof() && !isSpace(p.s[p.pos]) {
		return pd, fmt.Errorf("unexpected %q after %q", p.s[p.pos], label)
	}
	return pd, nil
}

func (p *parser) label() (string, error) {
	var label string
	if p.s[p.pos] == '\'' {
		end := strings.IndexByte(p.s[p.pos+1:], '\'')
		if end < 0 {
			return "", errors.New("unterminated quoted label")
		}
		label = p.s[p.pos+1 : p.pos+1+end]
		p.pos += end + 2
		if p.eof() || p.s[p.pos] != '=' {
			return "", fmt.Errorf("missing '=' after %q", label)
		}
	} else {
		end := strings.IndexByte(p.s[p.pos:], '=')
		if end < 0 {
			return "", fmt.Errorf("missing '=' in %q", p.s[p.pos:])
		}
		label = p.s[p.pos : p.pos+end]
		p.pos += end
	}
	p.pos++ // '='
	return strings.TrimSpace(label), nil
}

func splitType(label string) (string, ValueType) {
	if len(label) < 4 || label[1] != '[' || label[len(label)-1] != ']' {
		return label, Gauge
	}
	name := label[2 : len(label)-1]
	switch label[0] {
	case 'a':
		return name, Absolute
	case 'c':
		return name, Counter
	case 'd':
		return name, Derive
	case 'g':
		return name, Gauge
	default:
		return label, Gauge
	}
}

// number reads a float at the current position. A comma is accepted as decimal separator.
func (p *parser) number() (float64, bool) {
	v, n, ok := scanNumber(p.s[p.pos:])
	if !ok {
		return 0, false
	}
	p.pos += n
	return v, true
}

func scanNumber(s string) (float64, int, bool) {
	i := 0
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	for _, word := range []string{"inf", "nan"} {
		if len(s) >= i+3 && strings.EqualFold(s[i:i+3], word) {
			v, err := strconv.ParseFloat(s[:i+3], 64)
			return v, i + 3, err == nil
		}
	}
	digits := 0
	for i < len(s) && isDigit(s[i]) {
		i++
		digits++
	}
	if i < len(s) && (s[i] == '.' || s[i] == ',') {
		i++
		for i < len(s) && isDigit(s[i]) {
			i++
			digits++
		}
	}
	if digits == 0 {
		return 0, 0, false
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		if j < len(s) && isDigit(s[j]) {
			for j < len(s) && isDigit(s[j]) {
				j++
			}
			i = j
		}
	}
	v, err := strconv.ParseFloat(strings.Replace(s[:i], ",", ".", 1), 64)
	return v, i, err == nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func parseFull(s string) (float64, error) {
	v, n, ok := scanNumber(s)
	if !ok || n != len(s) {
		return 0, fmt.Errorf("bad number %q", s)
	}
	return v, nil
}

func parseBound(s string) (float64, error) {
	if s == "" {
		return math.NaN(), nil
	}
	return parseFull(s)
}

// parseRange handles [@]start:end, [@]end, ~:end and start:.
// A bare value v means 0:v.
func parseRange(s string) (low, high float64, inclusive bool, err error) {
	low, high = math.NaN(), math.NaN()
	if s == "" {
		return low, high, false, nil
	}
	if s[0] == '@' {
		inclusive = true
		s = s[1:]
	}
	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		high, err = parseFull(s)
		if err != nil {
			return low, high, inclusive, err
		}
		if math.IsNaN(high) {
			return math.NaN(), high, inclusive, nil
		}
		return 0, high, inclusive, nil
	}

	switch lowPart := s[:colon]; lowPart {
	case "~":
		low = math.Inf(-1)
	case "":
		low = 0
	default:
		if low, err = parseFull(lowPart); err != nil {
			return low, high, inclusive, err
		}
	}
	if highPart := s[colon+1:]; highPart == "" {
		high = math.Inf(1)
	} else if high, err = parseFull(highPart); err != nil {
		return low, high, inclusive, err
	}
	return low, high, inclusive, nil
}
