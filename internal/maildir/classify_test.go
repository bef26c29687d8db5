package maildir

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrimaryFolderPriority(t *testing.T) {
	tests := []struct {
		name   string
		labels []string
		want   string
	}{
		{"inbox beats user label", []string{"Label_42", "INBOX"}, "INBOX"},
		{"trash beats inbox", []string{"TRASH", "INBOX"}, "Trash"},
		{"trash beats sent", []string{"SENT", "TRASH"}, "Trash"},
		{"inbox beats sent", []string{"SENT", "INBOX"}, "INBOX"},
		{"sent beats draft", []string{"DRAFT", "SENT"}, "Sent"},
		{"draft alone", []string{"DRAFT"}, "Drafts"},
		{"spam alone", []string{"SPAM"}, "Spam"},
		{"user label only", []string{"Label_Receipts"}, "Labels/Label_Receipts"},
		{"first user label wins", []string{"Label_A", "Label_B"}, "Labels/Label_A"},
		{"virtual labels skipped", []string{"UNREAD", "STARRED", "Label_X"}, "Labels/Label_X"},
		{"no labels", nil, "Archive"},
		{"only virtual labels", []string{"UNREAD", "IMPORTANT", "CATEGORY_UPDATES"}, "Archive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PrimaryFolder(tt.labels))
		})
	}
}

func TestFlags(t *testing.T) {
	tests := []struct {
		name   string
		labels []string
		want   string
	}{
		{"read message", []string{"INBOX"}, "S"},
		{"unread message", []string{"INBOX", "UNREAD"}, ""},
		{"starred read", []string{"INBOX", "STARRED"}, "FS"},
		{"starred unread", []string{"INBOX", "STARRED", "UNREAD"}, "F"},
		{"draft", []string{"DRAFT", "UNREAD"}, "D"},
		{"trashed starred read", []string{"TRASH", "STARRED"}, "FST"},
		{"everything", []string{"DRAFT", "STARRED", "TRASH"}, "DFST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Flags(tt.labels))
		})
	}
}

// Set-equal label sets must produce byte-identical flag strings no
// matter the input order; the filename invariant depends on it.
func TestFlagsCanonicalOrder(t *testing.T) {
	permutations := [][]string{
		{"STARRED", "TRASH", "DRAFT"},
		{"TRASH", "DRAFT", "STARRED"},
		{"DRAFT", "STARRED", "TRASH"},
		{"DRAFT", "TRASH", "STARRED"},
		{"STARRED", "DRAFT", "TRASH"},
		{"TRASH", "STARRED", "DRAFT"},
	}

	for _, p := range permutations {
		assert.Equal(t, "DFST", Flags(p))
	}
}

func TestClassify(t *testing.T) {
	folder, flags := Classify([]string{"INBOX", "STARRED"})
	assert.Equal(t, "INBOX", folder)
	assert.Equal(t, "FS", flags)

	folder, flags = Classify([]string{"TRASH", "INBOX", "UNREAD"})
	assert.Equal(t, "Trash", folder)
	assert.Equal(t, "T", flags)
}

func TestSeen(t *testing.T) {
	assert.True(t, Seen([]string{"INBOX"}))
	assert.False(t, Seen([]string{"INBOX", "UNREAD"}))
	assert.True(t, Seen(nil))
}
