package domain

import "time"

// TemplateRepository describes a repository that can seed new projects.
type TemplateRepository struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	FullName    string    `json:"full_name"`
	Description string    `json:"description"`
	HTMLURL     string    `json:"html_url"`
	IsPrivate   bool      `json:"is_private"`
	UpdatedAt   time.Time `json:"updated_at"`
	Topics      []string  `json:"topics"`
}
