package dedup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diffcritic/internal/gitlab"
	"github.com/diffcritic/pkg/models"
)

var (
	botUser   = gitlab.User{ID: 99, Username: "review-bot"}
	humanUser = gitlab.User{ID: 7, Username: "alice"}
)

type fakeNoteSource struct {
	notes       []gitlab.Note
	discussions []gitlab.Discussion

	deletedNotes           []int
	deletedDiscussionNotes map[string][]int
	failNoteIDs            map[int]error
}

func newFakeNoteSource() *fakeNoteSource {
	return &fakeNoteSource{
		deletedDiscussionNotes: make(map[string][]int),
		failNoteIDs:            make(map[int]error),
	}
}

func (f *fakeNoteSource) ListNotes(ctx context.Context, ref models.MergeRequestRef) ([]gitlab.Note, error) {
	return f.notes, nil
}

func (f *fakeNoteSource) ListDiscussions(ctx context.Context, ref models.MergeRequestRef) ([]gitlab.Discussion, error) {
	return f.discussions, nil
}

func (f *fakeNoteSource) DeleteNote(ctx context.Context, ref models.MergeRequestRef, noteID int) error {
	if err := f.failNoteIDs[noteID]; err != nil {
		return err
	}
	f.deletedNotes = append(f.deletedNotes, noteID)
	return nil
}

func (f *fakeNoteSource) DeleteDiscussionNote(ctx context.Context, ref models.MergeRequestRef, discussionID string, noteID int) error {
	if err := f.failNoteIDs[noteID]; err != nil {
		return err
	}
	f.deletedDiscussionNotes[discussionID] = append(f.deletedDiscussionNotes[discussionID], noteID)
	return nil
}

func plainNote(id int, author gitlab.User) gitlab.Note {
	return gitlab.Note{ID: id, Body: "note", Author: author}
}

func inlineNote(id int, author gitlab.User) gitlab.Note {
	return gitlab.Note{
		ID:     id,
		Type:   "DiffNote",
		Body:   "inline",
		Author: author,
		Position: &gitlab.NotePosition{
			PositionType: "text",
			NewPath:      "a.py",
			LineCode:     "abc_1_1",
		},
	}
}

func trackerRef() models.MergeRequestRef {
	return models.MergeRequestRef{ProjectID: "group/repo", MRIID: 42}
}

func TestCleanupDeleteAll(t *testing.T) {
	forge := newFakeNoteSource()
	forge.discussions = []gitlab.Discussion{
		{ID: "d1", Notes: []gitlab.Note{inlineNote(11, botUser)}},
		{ID: "d2", Notes: []gitlab.Note{inlineNote(12, humanUser)}},
	}
	forge.notes = []gitlab.Note{
		plainNote(20, botUser),
		plainNote(21, humanUser),
		inlineNote(11, botUser), // already seen via d1
	}

	tracker := NewCommentTracker(forge, BotIdentity{ID: 99, Username: "review-bot"})
	result, err := tracker.Cleanup(context.Background(), trackerRef(), models.CleanupDeleteAll)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Deleted)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 0, result.Kept)

	assert.Equal(t, []int{11}, forge.deletedDiscussionNotes["d1"])
	assert.Empty(t, forge.deletedDiscussionNotes["d2"])
	assert.Equal(t, []int{20}, forge.deletedNotes)
}

func TestCleanupDeleteSummaryOnly(t *testing.T) {
	forge := newFakeNoteSource()
	forge.discussions = []gitlab.Discussion{
		{ID: "d1", Notes: []gitlab.Note{inlineNote(11, botUser)}},
	}
	forge.notes = []gitlab.Note{plainNote(20, botUser)}

	tracker := NewCommentTracker(forge, BotIdentity{ID: 99})
	result, err := tracker.Cleanup(context.Background(), trackerRef(), models.CleanupDeleteSummaryOnly)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, 1, result.Kept)
	assert.Equal(t, []int{20}, forge.deletedNotes)
	assert.Empty(t, forge.deletedDiscussionNotes["d1"])
}

func TestCleanupKeepAll(t *testing.T) {
	forge := newFakeNoteSource()
	forge.notes = []gitlab.Note{plainNote(20, botUser)}

	tracker := NewCommentTracker(forge, BotIdentity{ID: 99})
	result, err := tracker.Cleanup(context.Background(), trackerRef(), models.CleanupKeepAll)
	require.NoError(t, err)

	assert.Equal(t, 0, result.Deleted)
	assert.Empty(t, forge.deletedNotes)
}

func TestCleanupDeleteOutdatedBehavesLikeDeleteAll(t *testing.T) {
	forge := newFakeNoteSource()
	forge.notes = []gitlab.Note{plainNote(20, botUser)}
	forge.discussions = []gitlab.Discussion{
		{ID: "d1", Notes: []gitlab.Note{inlineNote(11, botUser)}},
	}

	tracker := NewCommentTracker(forge, BotIdentity{ID: 99})
	result, err := tracker.Cleanup(context.Background(), trackerRef(), models.CleanupDeleteOutdated)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Deleted)
}

func TestCleanupSummaryNoteOutsideDiscussions(t *testing.T) {
	// The discussion listing can come back empty while the summary note
	// still shows up in the notes listing.
	forge := newFakeNoteSource()
	forge.notes = []gitlab.Note{plainNote(30, botUser)}

	tracker := NewCommentTracker(forge, BotIdentity{ID: 99, Username: "review-bot"})
	result, err := tracker.Cleanup(context.Background(), trackerRef(), models.CleanupDeleteAll)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, []int{30}, forge.deletedNotes)
}

func TestCleanupMatchesByUsernameAlone(t *testing.T) {
	forge := newFakeNoteSource()
	forge.notes = []gitlab.Note{
		plainNote(1, gitlab.User{ID: 1234, Username: "Review-Bot"}),
		plainNote(2, humanUser),
	}

	// Identity carries no id, only the configured username.
	tracker := NewCommentTracker(forge, BotIdentity{Username: "review-bot"})
	result, err := tracker.Cleanup(context.Background(), trackerRef(), models.CleanupDeleteAll)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, []int{1}, forge.deletedNotes)
}

func TestCleanupSkipsSystemNotes(t *testing.T) {
	forge := newFakeNoteSource()
	systemNote := plainNote(5, botUser)
	systemNote.System = true
	forge.notes = []gitlab.Note{systemNote}

	tracker := NewCommentTracker(forge, BotIdentity{ID: 99})
	result, err := tracker.Cleanup(context.Background(), trackerRef(), models.CleanupDeleteAll)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Deleted)
	assert.Empty(t, forge.deletedNotes)
}

func TestCleanupCountsFailuresAndContinues(t *testing.T) {
	forge := newFakeNoteSource()
	forge.notes = []gitlab.Note{
		plainNote(1, botUser),
		plainNote(2, botUser),
		plainNote(3, botUser),
	}
	forge.failNoteIDs[2] = &gitlab.APIError{Status: 403, Endpoint: "delete_note", Body: "forbidden"}

	tracker := NewCommentTracker(forge, BotIdentity{ID: 99})
	result, err := tracker.Cleanup(context.Background(), trackerRef(), models.CleanupDeleteAll)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Deleted)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "note 2")
	assert.Equal(t, []int{1, 3}, forge.deletedNotes)
}
