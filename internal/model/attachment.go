package model

import "time"

// SourceKind tells where an attachment's content came from.
type SourceKind string

const (
	SourceFile    SourceKind = "file"
	SourceArchive SourceKind = "archive"
)

// ArchiveSep separates an archive path from a member name in a canonical path.
const ArchiveSep = "!/"

// Attachment is one file's captured context.
type Attachment struct {
	Path       string     `json:"path"`
	Name       string     `json:"name"`
	Size       int64      `json:"size"`
	Content    string     `json:"content"`
	ReadAt     time.Time  `json:"read_at"`
	Source     SourceKind `json:"source"`
	Binary     bool       `json:"binary,omitempty"`
	Unreadable bool       `json:"unreadable,omitempty"`
	Stale      bool       `json:"stale,omitempty"`
	Digest     string     `json:"digest,omitempty"`
}

// Persona is a named, reusable configuration bundle.
type Persona struct {
	Name         string   `json:"name" yaml:"name"`
	Description  string   `json:"description,omitempty" yaml:"description,omitempty"`
	Engine       Engine   `json:"engine,omitempty" yaml:"engine,omitempty"`
	Model        string   `json:"model,omitempty" yaml:"model,omitempty"`
	SystemPrompt string   `json:"system_prompt" yaml:"system_prompt"`
	MaxTokens    int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Stream       *bool    `json:"stream,omitempty" yaml:"stream,omitempty"`
	Attachments  []string `json:"attachments,omitempty" yaml:"attachments,omitempty"`

	// File is the persona's file name (without directory); it is the reference
	// saved in session snapshots.
	File string `json:"-" yaml:"-"`
}
