package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Tyrowin/groupchat/internal/membership"
)

var (
	// ErrMissingFields is returned for frames without a userId or content.
	ErrMissingFields = fmt.Errorf("userId and content are required: %w", ErrMalformedInput)

	errSenderMismatch = errors.New("userId does not match the authenticated user")
)

// Frame is a decoded and validated inbound message.
type Frame struct {
	Kind    membership.MessageKind
	UserID  int64
	Content string
}

// ParseFrame decodes raw and checks it against the message rules. maxContent
// caps the content length in characters.
func ParseFrame(raw []byte, maxContent int) (Frame, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Frame{}, fmt.Errorf("%w: JSON object expected", ErrMalformedInput)
	}

	var in InboundFrame
	if err := json.Unmarshal(trimmed, &in); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	// User ids are positive, so a zero or negative userId names nobody and an
	// empty content carries nothing; both count as missing.
	if in.UserID == nil || *in.UserID <= 0 || in.Content == nil || *in.Content == "" {
		return Frame{}, ErrMissingFields
	}

	var kindName string
	if in.Type != nil {
		kindName = *in.Type
	}
	kind, ok := membership.ParseMessageKind(kindName)
	if !ok {
		kind = membership.MessageKind(kindName)
	}
	if err := membership.ValidateMessage(kind, *in.Content, maxContent); err != nil {
		return Frame{}, err
	}

	return Frame{Kind: kind, UserID: *in.UserID, Content: *in.Content}, nil
}

// noticeFor turns a recoverable session error into the notice sent back.
func noticeFor(err error) Notice {
	if v, ok := membership.AsViolation(err); ok {
		return Notice{Error: v.Detail, Code: NoticeValidation}
	}
	switch {
	case errors.Is(err, ErrMissingFields):
		return Notice{Error: "Fields userId and content are required", Code: NoticeValidation}
	case errors.Is(err, ErrMalformedInput):
		return Notice{Error: "Error: JSON data is required", Code: NoticeMalformedInput}
	case errors.Is(err, errSenderMismatch):
		return Notice{Error: err.Error(), Code: NoticeForbidden}
	default:
		return Notice{Error: "message could not be stored", Code: NoticeStoreFailure}
	}
}
