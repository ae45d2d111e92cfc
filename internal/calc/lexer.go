package calc

import "fmt"

// TokenKind identifies the type of a lexer token.
type TokenKind int

const (
	TokenNumber TokenKind = iota // numeric literal
	TokenPlus                    // +
	TokenMinus                   // -
	TokenStar                    // *
	TokenSlash                   // /
	TokenLParen                  // (
	TokenRParen                  // )
	TokenEOF
)

var tokenNames = map[TokenKind]string{
	TokenNumber: "number",
	TokenPlus:   "+",
	TokenMinus:  "-",
	TokenStar:   "*",
	TokenSlash:  "/",
	TokenLParen: "(",
	TokenRParen: ")",
	TokenEOF:    "end of expression",
}

func (k TokenKind) String() string {
	if name, ok := tokenNames[k]; ok {
		return name
	}
	return fmt.Sprintf("token(%d)", int(k))
}

// Token is a lexed token with its byte offset in the source.
type Token struct {
	Kind  TokenKind
	Value string
	Pos   int
}

// Lex tokenizes an arithmetic expression. Only digits, decimal points,
// the four operators, parentheses and spaces are accepted.
func Lex(src string) ([]Token, error) {
	var tokens []Token
	pos := 0
	for pos < len(src) {
		ch := src[pos]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			pos++
		case isDigit(ch) || ch == '.':
			start := pos
			dots := 0
			for pos < len(src) && (isDigit(src[pos]) || src[pos] == '.') {
				if src[pos] == '.' {
					dots++
				}
				pos++
			}
			lit := src[start:pos]
			if dots > 1 || lit == "." {
				return nil, fmt.Errorf("malformed number %q at position %d", lit, start)
			}
			tokens = append(tokens, Token{Kind: TokenNumber, Value: lit, Pos: start})
		default:
			kind, ok := operators[ch]
			if !ok {
				return nil, fmt.Errorf("unexpected character %q at position %d", string(rune(ch)), pos)
			}
			tokens = append(tokens, Token{Kind: kind, Value: string(ch), Pos: pos})
			pos++
		}
	}
	tokens = append(tokens, Token{Kind: TokenEOF, Pos: pos})
	return tokens, nil
}

var operators = map[byte]TokenKind{
	'+': TokenPlus,
	'-': TokenMinus,
	'*': TokenStar,
	'/': TokenSlash,
	'(': TokenLParen,
	')': TokenRParen,
}

func isDigit(ch byte) bool { return ch >= '0' && ch <= '9' }
