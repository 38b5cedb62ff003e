// Package submission holds the Submission model, intake parsing, and the
// Parse & Filter gate every submission passes before entering the pipeline.
package submission

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Type is one of the recognized submission types.
type Type string

const (
	Research  Type = "research"
	CaseStudy Type = "case-study"
	Benchmark Type = "benchmark"
	Survey    Type = "survey"
	Tutorial  Type = "tutorial"
	Dataset   Type = "dataset"
)

// Types lists the recognized submission types.
var Types = []Type{Research, CaseStudy, Benchmark, Survey, Tutorial, Dataset}

// ParseType normalizes a type label. "original-research" is accepted as an
// alias for research.
func ParseType(s string) (Type, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "original-research" {
		s = string(Research)
	}
	for _, t := range Types {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// Visibility describes a linked repository.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
	VisibilityNone    Visibility = "none"
)

// RepoRef is a repository pinned at a commit.
type RepoRef struct {
	URL    string `json:"url"`
	Commit string `json:"commit"`
}

// Submission is a validated submission. It is immutable once it has entered
// the pipeline.
type Submission struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Category      string     `json:"category"`
	Type          Type       `json:"type"`
	Abstract      string     `json:"abstract"`
	Body          string     `json:"body"`
	Repo          *RepoRef   `json:"repo,omitempty"`
	Visibility    Visibility `json:"visibility"`
	ContributorID string     `json:"contributor_id"`
	Paid          bool       `json:"paid"`
	Warnings      []string   `json:"warnings,omitempty"`
}

// HasRepo reports whether a repository was linked.
func (s *Submission) HasRepo() bool {
	return s.Repo != nil && s.Repo.URL != ""
}

// Raw is an unvalidated intake record.
type Raw struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title"`
	Category    string `json:"category"`
	Type        string `json:"type"`
	Abstract    string `json:"abstract"`
	Body        string `json:"body"`
	RepoURL     string `json:"repo_url,omitempty"`
	CommitSHA   string `json:"commit_sha,omitempty"`
	Visibility  string `json:"visibility,omitempty"`
	PaymentCode string `json:"payment_code,omitempty"`
	Author      string `json:"author"`
}

// ParseJSON decodes a JSON intake record.
func ParseJSON(data []byte) (Raw, error) {
	var raw Raw
	if err := json.Unmarshal(data, &raw); err != nil {
		return Raw{}, &ValidationError{Code: CodeMalformed, Message: fmt.Sprintf("submission is not valid JSON: %v", err)}
	}
	return raw, nil
}

// Issue form labels.
const (
	labelTitle      = "Article Title"
	labelCategory   = "Category"
	labelType       = "Submission Type"
	labelAbstract   = "Abstract"
	labelBody       = "Article Body"
	labelRepo       = "Supporting Repository URL"
	labelCommit     = "Commit SHA"
	labelVisibility = "Repository Visibility"
	labelPayment    = "Payment Code (Optional)"
)

// ParseIssueForm reads a GitHub issue form body made of "### Label" sections.
func ParseIssueForm(body, author string) Raw {
	fields := formFields(body)
	return Raw{
		Title:       fields[labelTitle],
		Category:    fields[labelCategory],
		Type:        fields[labelType],
		Abstract:    fields[labelAbstract],
		Body:        fields[labelBody],
		RepoURL:     fields[labelRepo],
		CommitSHA:   fields[labelCommit],
		Visibility:  fields[labelVisibility],
		PaymentCode: fields[labelPayment],
		Author:      author,
	}
}

func formFields(body string) map[string]string {
	fields := make(map[string]string)
	var label string
	var value []string
	flush := func() {
		if label == "" {
			return
		}
		v := strings.TrimSpace(strings.Join(value, "\n"))
		if v == "_No response_" {
			v = ""
		}
		fields[label] = v
	}

	for _, line := range strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n") {
		if strings.HasPrefix(line, "### ") {
			flush()
			label = strings.TrimSpace(strings.TrimPrefix(line, "### "))
			value = nil
			continue
		}
		if label != "" {
			value = append(value, line)
		}
	}
	flush()
	return fields
}

// WordCount counts whitespace-separated words.
func WordCount(s string) int {
	return len(strings.Fields(s))
}
