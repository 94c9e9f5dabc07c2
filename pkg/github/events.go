package github

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/teamlens/syncd/pkg/store"
)

// Event is the wire shape of a GitHub events API item. Payload stays raw
// until Normalize decodes the fields the known kinds need; unknown kinds
// keep the raw payload and get a generic title instead of being dropped.
type Event struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Actor struct {
		Login string `json:"login"`
	} `json:"actor"`
	Repo struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
		URL  string `json:"url"`
	} `json:"repo"`
	Payload   json.RawMessage `json:"payload"`
	Public    bool            `json:"public"`
	CreatedAt string          `json:"created_at"`
}

type pushPayload struct {
	Ref     string `json:"ref"`
	Size    int    `json:"size"`
	Commits []struct {
		Message string `json:"message"`
	} `json:"commits"`
}

type pullRequestPayload struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Title string `json:"title"`
	} `json:"pull_request"`
}

type issuesPayload struct {
	Action string `json:"action"`
	Issue  struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
	} `json:"issue"`
}

type issueCommentPayload struct {
	Action string `json:"action"`
	Issue  struct {
		Number int `json:"number"`
	} `json:"issue"`
	Comment struct {
		Body string `json:"body"`
	} `json:"comment"`
}

type reviewPayload struct {
	Action string `json:"action"`
	Review struct {
		State string `json:"state"`
	} `json:"review"`
	PullRequest struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
	} `json:"pull_request"`
}

type refPayload struct {
	Ref     string `json:"ref"`
	RefType string `json:"ref_type"`
}

type releasePayload struct {
	Action  string `json:"action"`
	Release struct {
		TagName string `json:"tag_name"`
		Name    string `json:"name"`
	} `json:"release"`
}

// Normalize maps a provider event to an Activity. It is total: every known
// event kind gets a specific title, everything else falls through to a
// generic "<Type> in <repo>" representation so no event is silently lost.
func Normalize(userID string, ev Event) store.Activity {
	title, description := describe(ev)

	occurred, err := dateparse.ParseAny(ev.CreatedAt)
	if err != nil {
		occurred = time.Now().UTC()
	}

	return store.Activity{
		UserID:      userID,
		Source:      "github",
		ExternalID:  ev.ID,
		EventType:   ev.Type,
		Title:       title,
		Description: description,
		RepoID:      ev.Repo.ID,
		RepoName:    ev.Repo.Name,
		Actor:       ev.Actor.Login,
		OccurredAt:  occurred,
		Raw:         append([]byte(nil), ev.Payload...),
	}
}

func describe(ev Event) (title, description string) {
	repo := ev.Repo.Name

	switch ev.Type {
	case "PushEvent":
		var p pushPayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			n := p.Size
			if n == 0 {
				n = len(p.Commits)
			}
			title = fmt.Sprintf("Pushed %d commit(s) to %s", n, repo)
			if len(p.Commits) > 0 {
				description = firstLine(p.Commits[0].Message)
			}
			return title, description
		}
	case "PullRequestEvent":
		var p pullRequestPayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			title = fmt.Sprintf("%s pull request #%d in %s", capitalize(p.Action), p.Number, repo)
			return title, p.PullRequest.Title
		}
	case "IssuesEvent":
		var p issuesPayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			title = fmt.Sprintf("%s issue #%d in %s", capitalize(p.Action), p.Issue.Number, repo)
			return title, p.Issue.Title
		}
	case "IssueCommentEvent":
		var p issueCommentPayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			title = fmt.Sprintf("Commented on #%d in %s", p.Issue.Number, repo)
			return title, truncate(firstLine(p.Comment.Body), 200)
		}
	case "PullRequestReviewEvent":
		var p reviewPayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			title = fmt.Sprintf("Reviewed pull request #%d in %s", p.PullRequest.Number, repo)
			return title, p.Review.State
		}
	case "CreateEvent":
		var p refPayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			if p.RefType == "repository" {
				return fmt.Sprintf("Created repository %s", repo), ""
			}
			return fmt.Sprintf("Created %s %s in %s", p.RefType, p.Ref, repo), ""
		}
	case "DeleteEvent":
		var p refPayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			return fmt.Sprintf("Deleted %s %s in %s", p.RefType, p.Ref, repo), ""
		}
	case "ForkEvent":
		return fmt.Sprintf("Forked %s", repo), ""
	case "WatchEvent":
		return fmt.Sprintf("Starred %s", repo), ""
	case "ReleaseEvent":
		var p releasePayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			return fmt.Sprintf("%s release %s in %s", capitalize(p.Action), p.Release.TagName, repo), p.Release.Name
		}
	}

	// Generic fallback for unknown kinds and undecodable payloads.
	return fmt.Sprintf("%s in %s", ev.Type, repo), ""
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
