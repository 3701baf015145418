package rpc

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/html/charset"
)

// XML-RPC fault codes (xmlrpc-epi interoperability set).
const (
	FaultParseError     = -32700
	FaultInvalidRequest = -32600
)

// Call is a decoded XML-RPC methodCall. Every parameter has already been
// coerced to text.
type Call struct {
	Method string
	Params []string
}

// Fault is an XML-RPC fault returned for requests that cannot be decoded.
type Fault struct {
	Code    int
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("xmlrpc fault %d: %s", f.Code, f.Message)
}

type methodCall struct {
	XMLName    xml.Name `xml:"methodCall"`
	MethodName string   `xml:"methodName"`
	Params     []param  `xml:"params>param"`
}

type param struct {
	Value value `xml:"value"`
}

type member struct {
	Name  string `xml:"name"`
	Value value  `xml:"value"`
}

// value mirrors <value>. Exactly one typed child is expected; a value with
// no typed child is an untyped string carried as character data.
type value struct {
	String   *string      `xml:"string"`
	Int      *string      `xml:"int"`
	I4       *string      `xml:"i4"`
	I8       *string      `xml:"i8"`
	Boolean  *string      `xml:"boolean"`
	Double   *string      `xml:"double"`
	DateTime *string      `xml:"dateTime.iso8601"`
	Base64   *string      `xml:"base64"`
	Nil      *struct{}    `xml:"nil"`
	Array    *arrayValue  `xml:"array"`
	Struct   *structValue `xml:"struct"`
	Text     string       `xml:",chardata"`
}

type arrayValue struct {
	Data []value `xml:"data>value"`
}

type structValue struct {
	Members []member `xml:"member"`
}

// text coerces the value to its textual form.
func (v value) text() string {
	switch {
	case v.String != nil:
		return *v.String
	case v.Int != nil:
		return intText(*v.Int)
	case v.I4 != nil:
		return intText(*v.I4)
	case v.I8 != nil:
		return intText(*v.I8)
	case v.Boolean != nil:
		return boolText(*v.Boolean)
	case v.Double != nil:
		return doubleText(*v.Double)
	case v.DateTime != nil:
		return strings.TrimSpace(*v.DateTime)
	case v.Base64 != nil:
		return base64Text(*v.Base64)
	case v.Nil != nil:
		return ""
	case v.Array != nil:
		parts := make([]string, len(v.Array.Data))
		for i, item := range v.Array.Data {
			parts[i] = item.text()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case v.Struct != nil:
		members := v.Struct.Members
		sort.SliceStable(members, func(i, j int) bool { return members[i].Name < members[j].Name })
		parts := make([]string, len(members))
		for i, m := range members {
			parts[i] = m.Name + "=" + m.Value.text()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return v.Text
	}
}

func intText(raw string) string {
	raw = strings.TrimSpace(raw)
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return raw
	}
	return strconv.FormatInt(n, 10)
}

func boolText(raw string) string {
	switch strings.TrimSpace(raw) {
	case "1", "true":
		return "true"
	case "0", "false":
		return "false"
	default:
		return strings.TrimSpace(raw)
	}
}

func doubleText(raw string) string {
	raw = strings.TrimSpace(raw)
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return raw
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func base64Text(raw string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, raw)
	b, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return raw
	}
	return string(b)
}

// DecodeCall reads one XML-RPC methodCall from r.
// Encodings other than UTF-8 declared in the XML prolog are converted.
// Errors are returned as *Fault.
func DecodeCall(r io.Reader) (Call, error) {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = charset.NewReaderLabel

	var mc methodCall
	if err := dec.Decode(&mc); err != nil {
		return Call{}, &Fault{Code: FaultParseError, Message: "parse error: " + err.Error()}
	}

	method := strings.TrimSpace(mc.MethodName)
	if method == "" {
		return Call{}, &Fault{Code: FaultInvalidRequest, Message: "missing methodName"}
	}

	params := make([]string, len(mc.Params))
	for i, p := range mc.Params {
		params[i] = p.Value.text()
	}
	return Call{Method: method, Params: params}, nil
}

// EncodeResponse writes a methodResponse carrying a single string value.
func EncodeResponse(w io.Writer, result string) error {
	var b bytes.Buffer
	b.WriteString(xml.Header)
	b.WriteString("<methodResponse><params><param><value><string>")
	if err := xml.EscapeText(&b, []byte(result)); err != nil {
		return err
	}
	b.WriteString("</string></value></param></params></methodResponse>\n")
	_, err := w.Write(b.Bytes())
	return err
}

// EncodeFault writes a methodResponse carrying a fault struct.
func EncodeFault(w io.Writer, fault *Fault) error {
	var b bytes.Buffer
	b.WriteString(xml.Header)
	b.WriteString("<methodResponse><fault><value><struct>")
	fmt.Fprintf(&b, "<member><name>faultCode</name><value><int>%d</int></value></member>", fault.Code)
	b.WriteString("<member><name>faultString</name><value><string>")
	if err := xml.EscapeText(&b, []byte(fault.Message)); err != nil {
		return err
	}
	b.WriteString("</string></value></member></struct></value></fault></methodResponse>\n")
	_, err := w.Write(b.Bytes())
	return err
}
