// SPDX-License-Identifier: MIT
// Dev: KryperAI

package types

import (
	stdjson "encoding/json"

	jsoniter "github.com/json-iterator/go"
)

var (
	json = jsoniter.ConfigCompatibleWithStandardLibrary

	// canonical sorts object keys and keeps numbers verbatim so equal
	// documents encode to equal bytes.
	canonical = jsoniter.Config{
		SortMapKeys: true,
		UseNumber:   true,
		EscapeHTML:  false,
	}.Froze()
)

// Result is a successful reply from a service node.
type Result struct {
	Result jsoniter.RawMessage `json:"result"`
}

// ErrorResult is the error shape returned by both client and server.
type ErrorResult struct {
	Error string `json:"error"`
	Code  Code   `json:"code"`
	UUID  string `json:"uuid,omitempty"`
}

// NodeReply is one peer's answer in a composite result.
type NodeReply struct {
	NodePubkey string              `json:"nodepubkey"`
	Score      int                 `json:"score"`
	Address    string              `json:"address,omitempty"`
	Reply      jsoniter.RawMessage `json:"reply"`
}

// CompositeResult is returned when more than one peer answered.
type CompositeResult struct {
	Result     jsoniter.RawMessage `json:"result"`
	AllReplies []NodeReply         `json:"allreplies"`
	UUID       string              `json:"uuid"`
}

// FetchedReplies is the answer of a reply lookup by uuid.
type FetchedReplies struct {
	AllReplies      []NodeReply         `json:"allreplies"`
	MostCommon      jsoniter.RawMessage `json:"mostcommon"`
	MostCommonCount int                 `json:"mostcommoncount"`
	UUID            string              `json:"uuid"`
}

// ConfigPayload is the body of a ConfigReply packet.
type ConfigPayload struct {
	Config  string            `json:"config"`
	Plugins map[string]string `json:"plugins"`
}

// Marshal encodes v with the package JSON configuration.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes data with the package JSON configuration.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// MustJSON encodes v, falling back to an internal error document.
func MustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `{"error":"Internal Server Error","code":1002}`
	}
	return string(b)
}

// ErrorReply renders err as {"error","code"}.
func ErrorReply(err error) string {
	return ErrorReplyUUID(err, "")
}

// ErrorReplyUUID renders err as {"error","code","uuid"}.
func ErrorReplyUUID(err error, uuid string) string {
	code := CodeOf(err)
	msg := err.Error()
	if code == InternalServerError {
		if _, ok := err.(*Error); !ok {
			msg = "Internal Server Error"
		}
	}
	return MustJSON(ErrorResult{Error: msg, Code: code, UUID: uuid})
}

// ResultReply wraps a raw backend value as {"result": value}.
func ResultReply(value string) string {
	return MustJSON(Result{Result: RawJSON(value)})
}

// RawJSON returns s as embeddable JSON, quoting it when s is not valid JSON.
func RawJSON(s string) jsoniter.RawMessage {
	if s != "" && stdjson.Valid([]byte(s)) {
		return jsoniter.RawMessage(s)
	}
	b, _ := json.Marshal(s)
	return b
}

// Normalize re-encodes a JSON reply with sorted keys so that semantically
// equal replies compare equal byte for byte. Non-JSON text is returned
// unchanged.
func Normalize(reply string) string {
	var v any
	if err := canonical.UnmarshalFromString(reply, &v); err != nil {
		return reply
	}
	out, err := canonical.MarshalToString(v)
	if err != nil {
		return reply
	}
	return out
}

// replyObject decodes reply into an object, or nil when reply is not one.
func replyObject(reply string) map[string]any {
	var obj map[string]any
	if err := canonical.UnmarshalFromString(reply, &obj); err != nil {
		return nil
	}
	return obj
}

// HasError reports whether reply is an object with a non-null "error".
func HasError(reply string) bool {
	obj := replyObject(reply)
	if obj == nil {
		return false
	}
	v, ok := obj["error"]
	return ok && v != nil
}

// ReplyCode returns the "code" of reply, looking inside "result" when the
// top level has none.
func ReplyCode(reply string) (Code, bool) {
	obj := replyObject(reply)
	if obj == nil {
		return 0, false
	}
	if c, ok := numberCode(obj["code"]); ok {
		return c, true
	}
	if inner, ok := obj["result"].(map[string]any); ok {
		return numberCode(inner["code"])
	}
	return 0, false
}

func numberCode(v any) (Code, bool) {
	n, ok := v.(stdjson.Number)
	if !ok {
		return 0, false
	}
	i, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return Code(i), true
}

// ResultField extracts the "result" member of reply. Replies that are not
// objects with a result are returned whole.
func ResultField(reply string) jsoniter.RawMessage {
	var obj map[string]jsoniter.RawMessage
	if err := json.UnmarshalFromString(reply, &obj); err == nil {
		if r, ok := obj["result"]; ok {
			return r
		}
	}
	return RawJSON(reply)
}
