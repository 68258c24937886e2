package codec

import "regexp"

// Pattern is the decoded form of a pattern value. Source is kept as sent;
// peers may use syntax RE2 does not accept, such as lookahead.
type Pattern struct {
	Source string
}

// Compile compiles Source with the regexp package.
func (p Pattern) Compile() (*regexp.Regexp, error) {
	return regexp.Compile(p.Source)
}

func (p Pattern) String() string {
	return p.Source
}

func (p Pattern) MarshalText() ([]byte, error) {
	return []byte(p.Source), nil
}

func (p *Pattern) UnmarshalText(b []byte) error {
	p.Source = string(b)
	return nil
}
