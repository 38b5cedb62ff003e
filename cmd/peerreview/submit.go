package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/peerreview/internal/database"
	"github.com/TobiSchelling/peerreview/internal/reputation"
	"github.com/TobiSchelling/peerreview/internal/submission"
	"github.com/TobiSchelling/peerreview/internal/taxonomy"
)

// intakeResult is what the submit command reports back.
type intakeResult struct {
	ID         string
	Accepted   bool
	ReasonCode string
	Message    string
	Warnings   []string
}

// readRaw reads an intake file as an issue form or a JSON record. An empty
// format is inferred from the file extension.
func readRaw(path, format, author string) (submission.Raw, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return submission.Raw{}, fmt.Errorf("reading submission: %w", err)
	}
	if format == "" {
		format = "issue"
		if strings.EqualFold(filepath.Ext(path), ".json") {
			format = "json"
		}
	}
	switch format {
	case "json":
		raw, err := submission.ParseJSON(data)
		if err != nil {
			return submission.Raw{}, err
		}
		if author != "" {
			raw.Author = author
		}
		return raw, nil
	case "issue":
		return submission.ParseIssueForm(string(data), author), nil
	default:
		return submission.Raw{}, fmt.Errorf("unknown format %q (want issue or json)", format)
	}
}

// intake runs Parse & Filter and persists the outcome. Gate rejections are
// stored as invalid rows and reported in the result, not as an error.
func intake(db *database.DB, tax *taxonomy.Taxonomy, raw submission.Raw, now time.Time) (*intakeResult, error) {
	if strings.TrimSpace(raw.ID) == "" {
		raw.ID = uuid.NewString()
	}

	suspended := false
	if author := strings.TrimSpace(raw.Author); author != "" {
		c, err := db.GetContributor(author)
		if err != nil {
			return nil, fmt.Errorf("loading contributor: %w", err)
		}
		suspended = c != nil && c.Tier == string(reputation.TierSuspended)
	}

	sub, err := submission.Filter(raw, submission.Env{
		Taxonomy:  tax,
		SlotsUsed: db.SlotsUsed,
		Suspended: suspended,
		Now:       now,
	})

	var ve *submission.ValidationError
	switch {
	case errors.As(err, &ve):
		payload, _ := json.Marshal(raw)
		id := strings.TrimSpace(raw.ID)
		if ve.Code == submission.CodeInvalidID {
			id = uuid.NewString()
		}
		row := database.NewSubmission{
			ID:            id,
			ContributorID: strings.TrimSpace(raw.Author),
			Title:         strings.TrimSpace(raw.Title),
			Category:      strings.TrimSpace(raw.Category),
			Type:          strings.TrimSpace(raw.Type),
			Payload:       payload,
			ReasonCode:    ve.Code,
			LastError:     ve.Error(),
			Flag:          ve.Code == submission.CodeInjectionDetected && strings.TrimSpace(raw.Author) != "",
			Now:           now,
		}
		if err := db.InsertSubmission(row); err != nil {
			return nil, err
		}
		return &intakeResult{ID: row.ID, ReasonCode: ve.Code, Message: ve.Error()}, nil
	case err != nil:
		return nil, err
	}

	payload, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("encoding submission: %w", err)
	}
	if err := db.InsertSubmission(database.NewSubmission{
		ID:            sub.ID,
		ContributorID: sub.ContributorID,
		Title:         sub.Title,
		Category:      sub.Category,
		Type:          string(sub.Type),
		Paid:          sub.Paid,
		Payload:       payload,
		Now:           now,
	}); err != nil {
		return nil, err
	}
	return &intakeResult{ID: sub.ID, Accepted: true, Warnings: sub.Warnings}, nil
}
