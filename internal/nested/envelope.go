package nested

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/vanshika/votetrace/internal/domain"
)

// EnvelopeIndex is the ParseError index used when the envelope itself is malformed
// and no item could be isolated.
const EnvelopeIndex = -1

var (
	ErrNotObject  = errors.New("item is not an object")
	ErrEmptyItem  = errors.New("item is empty")
	ErrBadTagType = errors.New("tagged value has the wrong type")
)

// ParseError identifies the envelope item that could not be decoded.
type ParseError struct {
	Index int
	Item  string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Index == EnvelopeIndex {
		return fmt.Sprintf("malformed envelope: %v", e.Err)
	}
	return fmt.Sprintf("item %d %q: %v", e.Index, e.Item, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Split strips the outer brackets of an envelope and returns its top-level items.
// Commas count as separators only outside braces, brackets and quoted strings.
// A blank envelope has no items.
func Split(envelope string) ([]string, error) {
	s := strings.TrimSpace(envelope)
	if s == "" {
		return nil, nil
	}
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") || len(s) < 2 {
		return nil, &SyntaxError{Pos: 0, Msg: "envelope must be enclosed in [ ]"}
	}
	body := s[1 : len(s)-1]

	var (
		items   []string
		depth   int
		quote   byte
		escaped bool
		start   int
	)
	for i := 0; i < len(body); i++ {
		c := body[i]
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth < 0 {
				return nil, &SyntaxError{Pos: i + 1, Msg: fmt.Sprintf("unbalanced %q", c)}
			}
		case ',':
			if depth == 0 {
				items = append(items, strings.TrimSpace(body[start:i]))
				start = i + 1
			}
		}
	}
	if quote != 0 {
		return nil, &SyntaxError{Pos: len(s) - 1, Msg: "unterminated string"}
	}
	if depth != 0 {
		return nil, &SyntaxError{Pos: len(s) - 1, Msg: "unclosed brace or bracket"}
	}
	last := strings.TrimSpace(body[start:])
	if len(items) > 0 || last != "" {
		items = append(items, last)
	}
	return items, nil
}

// Result is the outcome of decoding one envelope.
type Result struct {
	Fields domain.Fields
	// Skipped holds the items dropped in tolerant mode.
	Skipped []*ParseError
}

// Decoder maps envelope items onto ordered key/value pairs.
//
// Items take one of three shapes:
//
//	{key: K, value: {stringValue: V}}   tagged pair, also intValue/longValue/doubleValue/boolValue
//	{key: K, value: V}                  untagged pair
//	{a: 1, b: 2}                        any other object, one pair per member
type Decoder struct {
	tolerant bool
}

// NewDecoder returns a Decoder. A strict decoder fails on the first bad item; a tolerant
// decoder skips bad items and reports them in Result.Skipped.
func NewDecoder(tolerant bool) Decoder {
	return Decoder{tolerant: tolerant}
}

// Tolerant reports whether the decoder skips malformed items.
func (d Decoder) Tolerant() bool { return d.tolerant }

// Decode splits and decodes an envelope. Envelope-level syntax errors are fatal in
// both modes.
func (d Decoder) Decode(envelope string) (Result, error) {
	items, err := Split(envelope)
	if err != nil {
		return Result{}, &ParseError{Index: EnvelopeIndex, Item: envelope, Err: err}
	}

	var res Result
	for i, item := range items {
		fields, err := decodeItem(item)
		if err != nil {
			perr := &ParseError{Index: i, Item: item, Err: err}
			if !d.tolerant {
				return Result{}, perr
			}
			res.Skipped = append(res.Skipped, perr)
			continue
		}
		res.Fields = append(res.Fields, fields...)
	}
	return res, nil
}

func decodeItem(item string) (domain.Fields, error) {
	if item == "" {
		return nil, ErrEmptyItem
	}
	node, err := Parse(item)
	if err != nil {
		return nil, err
	}
	if node.Kind != KindObject {
		return nil, fmt.Errorf("%w: found %s", ErrNotObject, node.Kind)
	}
	if len(node.Pairs) == 0 {
		return nil, ErrEmptyItem
	}

	if len(node.Pairs) == 2 {
		keyNode, hasKey := node.Get("key")
		valueNode, hasValue := node.Get("value")
		if hasKey && hasValue {
			if !keyNode.IsScalar() {
				return nil, fmt.Errorf("key must be a scalar, found %s", keyNode.Kind)
			}
			value, err := fieldValue(valueNode)
			if err != nil {
				return nil, err
			}
			return domain.Fields{{Key: keyNode.Text, Value: value}}, nil
		}
	}

	fields := make(domain.Fields, 0, len(node.Pairs))
	for _, p := range node.Pairs {
		value, err := fieldValue(p.Value)
		if err != nil {
			return nil, err
		}
		fields = append(fields, domain.Field{Key: p.Key, Value: value})
	}
	return fields, nil
}

// fieldValue unwraps a typed value tag such as {intValue: 3}. Untagged scalars yield
// their text and any other composite is rendered compactly.
func fieldValue(n Node) (string, error) {
	if n.IsScalar() {
		return n.Text, nil
	}
	if n.Kind == KindObject && len(n.Pairs) == 1 {
		tag, inner := n.Pairs[0].Key, n.Pairs[0].Value
		switch tag {
		case "stringValue":
			if !inner.IsScalar() {
				return "", fmt.Errorf("%w: stringValue holds %s", ErrBadTagType, inner.Kind)
			}
			return inner.Text, nil
		case "intValue", "longValue":
			if !inner.IsScalar() {
				return "", fmt.Errorf("%w: %s holds %s", ErrBadTagType, tag, inner.Kind)
			}
			if _, err := strconv.ParseInt(inner.Text, 10, 64); err != nil {
				return "", fmt.Errorf("%w: %s %q is not an integer", ErrBadTagType, tag, inner.Text)
			}
			return inner.Text, nil
		case "doubleValue":
			if !inner.IsScalar() {
				return "", fmt.Errorf("%w: doubleValue holds %s", ErrBadTagType, inner.Kind)
			}
			if _, err := strconv.ParseFloat(inner.Text, 64); err != nil {
				return "", fmt.Errorf("%w: doubleValue %q is not a number", ErrBadTagType, inner.Text)
			}
			return inner.Text, nil
		case "boolValue":
			if _, err := strconv.ParseBool(inner.Text); err != nil || !inner.IsScalar() {
				return "", fmt.Errorf("%w: boolValue %q is not a boolean", ErrBadTagType, inner.Text)
			}
			return inner.Text, nil
		}
	}
	return n.String(), nil
}
