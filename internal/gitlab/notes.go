package gitlab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/diffcritic/pkg/models"
)

// User is a GitLab account in API responses.
type User struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// NotePosition is the inline anchor GitLab attaches to diff notes.
type NotePosition struct {
	BaseSHA      string `json:"base_sha"`
	StartSHA     string `json:"start_sha"`
	HeadSHA      string `json:"head_sha"`
	PositionType string `json:"position_type"`
	OldPath      string `json:"old_path"`
	NewPath      string `json:"new_path"`
	OldLine      *int   `json:"old_line,omitempty"`
	NewLine      *int   `json:"new_line,omitempty"`
	LineCode     string `json:"line_code,omitempty"`
}

// Note is a single comment on a merge request.
type Note struct {
	ID         int           `json:"id"`
	Type       string        `json:"type"`
	Body       string        `json:"body"`
	Author     User          `json:"author"`
	System     bool          `json:"system"`
	Resolvable bool          `json:"resolvable"`
	CreatedAt  time.Time     `json:"created_at"`
	Position   *NotePosition `json:"position,omitempty"`
}

// Inline reports whether the note is anchored to a diff line.
func (n Note) Inline() bool {
	return n.Type == "DiffNote" || n.Position != nil
}

// Discussion is a thread of notes, resolvable when it starts from an
// inline comment.
type Discussion struct {
	ID             string `json:"id"`
	IndividualNote bool   `json:"individual_note"`
	Notes          []Note `json:"notes"`
}

// FirstNote returns the note that opened the discussion.
func (d Discussion) FirstNote() (Note, bool) {
	if len(d.Notes) == 0 {
		return Note{}, false
	}
	return d.Notes[0], true
}

// ListNotes fetches every note on the MR, walking pagination.
func (c *Client) ListNotes(ctx context.Context, ref models.MergeRequestRef) ([]Note, error) {
	var all []Note
	for page := 1; ; page++ {
		var batch []Note
		if err := c.do(ctx, "list_notes", http.MethodGet, c.mrPath(ref, "/notes"), pageQuery(page), nil, &batch); err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < perPage {
			return all, nil
		}
	}
}

// ListDiscussions fetches every discussion thread on the MR.
func (c *Client) ListDiscussions(ctx context.Context, ref models.MergeRequestRef) ([]Discussion, error) {
	var all []Discussion
	for page := 1; ; page++ {
		var batch []Discussion
		if err := c.do(ctx, "list_discussions", http.MethodGet, c.mrPath(ref, "/discussions"), pageQuery(page), nil, &batch); err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < perPage {
			return all, nil
		}
	}
}

// GetDiscussion fetches a single discussion thread by its hex ID.
func (c *Client) GetDiscussion(ctx context.Context, ref models.MergeRequestRef, discussionID string) (*Discussion, error) {
	path := c.mrPath(ref, "/discussions/"+url.PathEscape(discussionID))
	var discussion Discussion
	if err := c.do(ctx, "get_discussion", http.MethodGet, path, nil, nil, &discussion); err != nil {
		return nil, err
	}
	return &discussion, nil
}

type createNoteRequest struct {
	Body string `json:"body"`
}

// CreateNote posts a general comment on the MR.
func (c *Client) CreateNote(ctx context.Context, ref models.MergeRequestRef, body string) (*Note, error) {
	var note Note
	req := createNoteRequest{Body: body}
	if err := c.do(ctx, "create_note", http.MethodPost, c.mrPath(ref, "/notes"), nil, req, &note); err != nil {
		return nil, err
	}
	return &note, nil
}

type createDiscussionRequest struct {
	Body     string        `json:"body"`
	Position *NotePosition `json:"position,omitempty"`
}

// CreateDiscussion posts an inline comment anchored by position. A 400
// whose body matches GitLab's invalid-position phrasing is returned as
// *PositionRejectedError so callers can fall back to a general note.
func (c *Client) CreateDiscussion(ctx context.Context, ref models.MergeRequestRef, body string, position *NotePosition) (*Discussion, error) {
	var discussion Discussion
	req := createDiscussionRequest{Body: body, Position: position}
	err := c.do(ctx, "create_discussion", http.MethodPost, c.mrPath(ref, "/discussions"), nil, req, &discussion)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.positionRejected() {
			return nil, &PositionRejectedError{APIError: *apiErr}
		}
		return nil, err
	}
	return &discussion, nil
}

// ResolveDiscussion marks a discussion thread as resolved.
func (c *Client) ResolveDiscussion(ctx context.Context, ref models.MergeRequestRef, discussionID string) error {
	path := c.mrPath(ref, "/discussions/"+url.PathEscape(discussionID))
	query := url.Values{}
	query.Set("resolved", "true")
	return c.do(ctx, "resolve_discussion", http.MethodPut, path, query, nil, nil)
}

// DeleteNote removes a general note.
func (c *Client) DeleteNote(ctx context.Context, ref models.MergeRequestRef, noteID int) error {
	path := c.mrPath(ref, fmt.Sprintf("/notes/%d", noteID))
	return c.do(ctx, "delete_note", http.MethodDelete, path, nil, nil, nil)
}

// DeleteDiscussionNote removes one note from a discussion thread.
func (c *Client) DeleteDiscussionNote(ctx context.Context, ref models.MergeRequestRef, discussionID string, noteID int) error {
	path := c.mrPath(ref, fmt.Sprintf("/discussions/%s/notes/%d", url.PathEscape(discussionID), noteID))
	return c.do(ctx, "delete_discussion_note", http.MethodDelete, path, nil, nil, nil)
}

type awardEmojiRequest struct {
	Name string `json:"name"`
}

// AwardNoteEmoji reacts to a note with the named emoji.
func (c *Client) AwardNoteEmoji(ctx context.Context, ref models.MergeRequestRef, noteID int, name string) error {
	path := c.mrPath(ref, fmt.Sprintf("/notes/%d/award_emoji", noteID))
	return c.do(ctx, "award_emoji", http.MethodPost, path, nil, awardEmojiRequest{Name: name}, nil)
}
