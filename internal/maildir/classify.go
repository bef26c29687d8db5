package maildir

import (
	"sort"
	"strings"
)

// Gmail system labels mapped to Maildir folder names. These are the
// standard mappings that work well with notmuch and friends.
var folderNames = map[string]string{
	"INBOX": "INBOX",
	"SENT":  "Sent",
	"DRAFT": "Drafts",
	"TRASH": "Trash",
	"SPAM":  "Spam",
}

// Priority order for picking the folder when a message carries several
// system labels. TRASH comes first: a trashed message stays in Trash no
// matter what other active folder labels it still carries.
var folderPriority = []string{"TRASH", "INBOX", "SENT", "DRAFT", "SPAM"}

// Virtual labels never select a folder on their own.
var virtualLabels = map[string]bool{
	"UNREAD":              true,
	"STARRED":             true,
	"IMPORTANT":           true,
	"CATEGORY_PERSONAL":   true,
	"CATEGORY_SOCIAL":     true,
	"CATEGORY_PROMOTIONS": true,
	"CATEGORY_UPDATES":    true,
	"CATEGORY_FORUMS":     true,
}

// CatchAllFolder receives messages that carry no labels at all
// (in Gmail terms: archived, unlabeled mail).
const CatchAllFolder = "Archive"

// Classify maps a remote label set to a target folder and a canonical
// Maildir flag string. It is pure and deterministic: set-equal inputs
// always produce identical output regardless of label order.
func Classify(labels []string) (folder, flags string) {
	return PrimaryFolder(labels), Flags(labels)
}

// PrimaryFolder picks the single folder a message is stored under.
//
// System labels win in priority order (Trash > Inbox > Sent > Drafts >
// Spam). Otherwise the first user label, in provider order, selects a
// namespaced Labels/ folder. A message with no usable label lands in
// the catch-all.
func PrimaryFolder(labels []string) string {
	has := make(map[string]bool, len(labels))
	for _, l := range labels {
		has[l] = true
	}

	for _, l := range folderPriority {
		if has[l] {
			return folderNames[l]
		}
	}

	for _, l := range labels {
		if virtualLabels[l] {
			continue
		}
		if _, system := folderNames[l]; system {
			continue
		}
		return "Labels/" + l
	}

	return CatchAllFolder
}

// Flags derives the Maildir flag string for a label set. Flags are
// single uppercase letters drawn from {D,F,R,S,T}, emitted in sorted
// order as the Maildir spec requires:
//
//	D draft, F flagged (starred), R replied, S seen, T trashed
//
// Seen is the inversion of the remote UNREAD marker.
func Flags(labels []string) string {
	has := make(map[string]bool, len(labels))
	for _, l := range labels {
		has[l] = true
	}

	var flags []string
	if !has["UNREAD"] {
		flags = append(flags, "S")
	}
	if has["STARRED"] {
		flags = append(flags, "F")
	}
	if has["DRAFT"] {
		flags = append(flags, "D")
	}
	if has["TRASH"] {
		flags = append(flags, "T")
	}

	sort.Strings(flags)
	return strings.Join(flags, "")
}

// Seen reports whether the label set marks the message as read. Unseen
// messages are delivered to new/, seen ones to cur/.
func Seen(labels []string) bool {
	for _, l := range labels {
		if l == "UNREAD" {
			return false
		}
	}
	return true
}
