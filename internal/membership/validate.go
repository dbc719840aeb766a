package membership

import (
	"errors"
	"fmt"
	"slices"
	"unicode/utf8"
)

// ErrInvariantViolation matches every *Violation through errors.Is.
var ErrInvariantViolation = errors.New("invariant violation")

// ViolationKind names the rule that was broken.
type ViolationKind string

const (
	SimpleParticipantCount  ViolationKind = "simple_participant_count"
	SimpleHasAdmins         ViolationKind = "simple_has_admins"
	SimpleHasDecoration     ViolationKind = "simple_has_title_or_logo"
	GroupTooFewParticipants ViolationKind = "group_too_few_participants"
	GroupMissingAdmin       ViolationKind = "group_missing_admin"
	GroupMissingTitle       ViolationKind = "group_missing_title"
	AdminNotParticipant     ViolationKind = "admin_not_participant"
	UnknownChatKind         ViolationKind = "unknown_chat_kind"
	UnknownMessageKind      ViolationKind = "unknown_message_kind"
	ContentTooLong          ViolationKind = "content_too_long"
)

// Violation is the tagged failure returned by every validation function.
type Violation struct {
	Kind   ViolationKind
	Detail string
}

func (v *Violation) Error() string {
	return v.Detail
}

// Is lets errors.Is(err, ErrInvariantViolation) match any violation.
func (v *Violation) Is(target error) bool {
	return target == ErrInvariantViolation
}

func violation(kind ViolationKind, format string, args ...any) *Violation {
	return &Violation{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// AsViolation extracts the violation from err, if any.
func AsViolation(err error) (*Violation, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

// ValidateChatCreation checks the creation-time rules of a chat.
//
// A simple chat needs exactly two participants, no admins and no title or logo.
// A group chat needs a title; when participants are supplied it needs at least two
// of them and at least one admin, and it cannot have more admins than participants.
func ValidateChatCreation(kind ChatKind, participantCount, adminCount int, title, logo string) error {
	switch kind {
	case KindSimple:
		if participantCount != SimpleChatParticipants {
			return violation(SimpleParticipantCount, "Simple chat should have %d participants", SimpleChatParticipants)
		}
		if adminCount != 0 {
			return violation(SimpleHasAdmins, "Simple chat should not have admins")
		}
		if title != "" || logo != "" {
			return violation(SimpleHasDecoration, "Simple chat cannot have a title or logo")
		}
		return nil
	case KindGroup:
		if title == "" {
			return violation(GroupMissingTitle, "Group chat should have a title")
		}
		if participantCount == 0 {
			if adminCount > 0 {
				return violation(AdminNotParticipant, "Group chat admins must be participants")
			}
			return nil
		}
		if participantCount < 2 {
			return violation(GroupTooFewParticipants, "Group chat should have at least 2 participants")
		}
		if adminCount < 1 {
			return violation(GroupMissingAdmin, "Group chat should have at least 1 admin")
		}
		if adminCount > participantCount {
			return violation(AdminNotParticipant, "Group chat admins must be participants")
		}
		return nil
	default:
		return violation(UnknownChatKind, "unknown chat type %q", kind)
	}
}

// CanBecomeAdmin is true only if userID already participates in chat.
func CanBecomeAdmin(userID int64, chat *Chat) bool {
	if chat == nil {
		return false
	}
	return chat.IsParticipant(userID)
}

// CheckAdminsAllowed rejects any admin mutation on a simple chat.
func CheckAdminsAllowed(kind ChatKind) error {
	if kind == KindSimple {
		return violation(SimpleHasAdmins, "Simple chat should not have admins")
	}
	return nil
}

// CheckParticipantCapacity rejects adding `adding` participants to a chat that
// already has `current` when the kind caps the total.
func CheckParticipantCapacity(kind ChatKind, current, adding int) error {
	if kind == KindSimple && current+adding > SimpleChatParticipants {
		return violation(SimpleParticipantCount, "Simple chat should have %d participants", SimpleChatParticipants)
	}
	return nil
}

// ValidateMessage checks the kind and size of a message payload. maxLen <= 0
// selects MaxContentLength.
func ValidateMessage(kind MessageKind, content string, maxLen int) error {
	if kind != MessageText && kind != MessageFile {
		return violation(UnknownMessageKind, "unknown message type %q", kind)
	}
	if maxLen <= 0 {
		maxLen = MaxContentLength
	}
	if n := utf8.RuneCountInString(content); n > maxLen {
		return violation(ContentTooLong, "content is %d characters long, the limit is %d", n, maxLen)
	}
	return nil
}

// ValidatePatch checks that applying p to a chat of the given kind keeps it valid.
func ValidatePatch(kind ChatKind, p ChatPatch) error {
	switch kind {
	case KindSimple:
		if (p.Title != nil && *p.Title != "") || (p.Logo != nil && *p.Logo != "") {
			return violation(SimpleHasDecoration, "Simple chat cannot have a title or logo")
		}
	case KindGroup:
		if p.Title != nil && *p.Title == "" {
			return violation(GroupMissingTitle, "Group chat should have a title")
		}
	}
	return nil
}

// Distinct returns ids with duplicates removed, first occurrence wins, and the
// dropped duplicates in a second list.
func Distinct(ids []int64) (unique, duplicates []int64) {
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			duplicates = append(duplicates, id)
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	return unique, duplicates
}

// AdminsSubsetOfParticipants reports whether every admin is also a participant.
func AdminsSubsetOfParticipants(c *Chat) bool {
	for _, a := range c.Admins {
		if !slices.Contains(c.Participants, a) {
			return false
		}
	}
	return true
}
