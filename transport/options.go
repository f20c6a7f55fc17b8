package transport

import (
	"github.com/alecthomas/participle/v2/lexer"
	"github.com/spirit-labs/proxyrpc/errors"
	"strings"
)

var optionsLex = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "DoubleQuoted", Pattern: `"(?:\\.|[^"\\])*"`},
	{Name: "SingleQuoted", Pattern: `'[^']*'`},
	{Name: "Word", Pattern: `[^\s"']+`},
	{Name: "Whitespace", Pattern: `[ \t\n\r]+`},
})

var (
	doubleQuotedTokenType = optionsLex.Symbols()["DoubleQuoted"]
	singleQuotedTokenType = optionsLex.Symbols()["SingleQuoted"]
	whitespaceTokenType   = optionsLex.Symbols()["Whitespace"]
)

// SplitOptions splits an endpoint or proxy string into whitespace separated arguments. Arguments may be quoted with
// single or double quotes, inside double quotes a backslash escapes the next character. Quotes are removed.
func SplitOptions(s string) ([]string, error) {
	l, err := optionsLex.Lex("", strings.NewReader(s))
	if err != nil {
		return nil, errors.NewRpcErrorf(errors.EndpointParse, "invalid endpoint string '%s': %v", s, err)
	}
	var args []string
	var current strings.Builder
	inArg := false
	for {
		token, err := l.Next()
		if err != nil {
			return nil, errors.NewRpcErrorf(errors.EndpointParse, "invalid endpoint string '%s': %v", s, err)
		}
		if token.Type == lexer.EOF {
			break
		}
		switch token.Type {
		case whitespaceTokenType:
			if inArg {
				args = append(args, current.String())
				current.Reset()
				inArg = false
			}
			continue
		case doubleQuotedTokenType:
			current.WriteString(unquoteDouble(token.Value))
		case singleQuotedTokenType:
			current.WriteString(token.Value[1 : len(token.Value)-1])
		default:
			current.WriteString(token.Value)
		}
		inArg = true
	}
	if inArg {
		args = append(args, current.String())
	}
	return args, nil
}

func unquoteDouble(s string) string {
	s = s[1 : len(s)-1]
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

// QuoteOption quotes an option argument if it would not survive SplitOptions unchanged, or if it contains a ':'
// which separates endpoints in proxy strings.
func QuoteOption(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n\r\"':\\") {
		return s
	}
	var sb strings.Builder
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteByte(s[i])
	}
	sb.WriteByte('"')
	return sb.String()
}

// Option is a parsed endpoint option and its argument, which is empty if there was none.
type Option struct {
	Name     string
	Argument string
}

// ParseOptions groups arguments into options. An argument which does not start with '-' is the argument of the
// preceding option. Each option handler consumes the options it recognizes, anything left over is an error.
func ParseOptions(args []string, desc string) ([]Option, error) {
	var opts []Option
	for i := 0; i < len(args); i++ {
		opt := args[i]
		if len(opt) < 2 || opt[0] != '-' {
			return nil, errors.NewRpcErrorf(errors.EndpointParse, "expected an option but found '%s' in endpoint '%s'",
				opt, desc)
		}
		var argument string
		if i+1 < len(args) && (len(args[i+1]) == 0 || args[i+1][0] != '-') {
			argument = args[i+1]
			i++
		}
		opts = append(opts, Option{Name: opt, Argument: argument})
	}
	return opts, nil
}

// UnparseOptions is the inverse of ParseOptions.
func UnparseOptions(opts []Option) []string {
	var args []string
	for _, opt := range opts {
		args = append(args, opt.Name)
		if opt.Argument != "" {
			args = append(args, opt.Argument)
		}
	}
	return args
}
