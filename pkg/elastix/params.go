package elastix

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Parameters is an elastix parameter or transform parameter file: an
// ordered list of (Key value ...) entries. Values keep their quoting so a
// file can be rewritten without changing its meaning.
type Parameters struct {
	keys   []string
	values map[string][]string
}

// NewParameters returns an empty parameter set
func NewParameters() *Parameters {
	return &Parameters{values: map[string][]string{}}
}

// ParseParameters reads elastix (Key value ...) syntax, ignoring // comments
func ParseParameters(r io.Reader) (*Parameters, error) {
	p := NewParameters()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := stripComment(scanner.Text())
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "(") || !strings.HasSuffix(line, ")") {
			return nil, fmt.Errorf("line %d: expected (Key value ...), got %q", lineNo, line)
		}
		fields := splitFields(line[1 : len(line)-1])
		if len(fields) == 0 {
			return nil, fmt.Errorf("line %d: empty entry", lineNo)
		}
		p.Set(fields[0], fields[1:]...)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

// ReadParameterFile parses the parameter file at path
func ReadParameterFile(path string) (*Parameters, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	p, err := ParseParameters(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// stripComment removes a // comment that is not inside a quoted value
func stripComment(line string) string {
	inQuote := false
	for i := 0; i < len(line); i++ {
		switch {
		case line[i] == '"':
			inQuote = !inQuote
		case !inQuote && strings.HasPrefix(line[i:], "//"):
			return line[:i]
		}
	}
	return line
}

// splitFields splits on whitespace, keeping quoted strings (with quotes) intact
func splitFields(s string) []string {
	var fields []string
	var cur strings.Builder
	inQuote := false
	flush := func() {
		if cur.Len() > 0 {
			fields = append(fields, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
		case !inQuote && (r == ' ' || r == '\t'):
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return fields
}

// Keys returns the keys in file order
func (p *Parameters) Keys() []string {
	return append([]string(nil), p.keys...)
}

// Get returns the raw values of key, quotes included
func (p *Parameters) Get(key string) ([]string, bool) {
	v, ok := p.values[key]
	return v, ok
}

// GetString returns the first value of key with quotes removed
func (p *Parameters) GetString(key string) string {
	v := p.values[key]
	if len(v) == 0 {
		return ""
	}
	return strings.Trim(v[0], `"`)
}

// Set replaces the raw values of key, appending the key if it is new
func (p *Parameters) Set(key string, values ...string) {
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = values
}

// SetString sets key to a single quoted string value
func (p *Parameters) SetString(key, value string) {
	p.Set(key, strconv.Quote(value))
}

// WriteTo writes the parameters in elastix syntax
func (p *Parameters) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, k := range p.keys {
		line := "(" + strings.Join(append([]string{k}, p.values[k]...), " ") + ")\n"
		n, err := io.WriteString(w, line)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// WriteFile writes the parameters to path
func (p *Parameters) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := p.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
