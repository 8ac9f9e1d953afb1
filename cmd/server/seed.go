package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/ai-agent-runner/internal/domain"
)

type seedYAML struct {
	Conversations []seedConversation `yaml:"conversations"`
	Jobs          []seedJob          `yaml:"jobs"`
}

type seedConversation struct {
	Title    string `yaml:"title"`
	Messages []struct {
		Role    string `yaml:"role"`
		Content string `yaml:"content"`
	} `yaml:"messages"`
}

type seedJob struct {
	Goal         string `yaml:"goal"`
	Mode         string `yaml:"mode"`
	Priority     int    `yaml:"priority"`
	Conversation string `yaml:"conversation"`
}

// seedFromYAML loads demo conversations and jobs for local development.
// Jobs reference conversations by title; everything lands queued so a worker
// picks it up like real traffic.
func seedFromYAML(ctx domain.Context, jobs domain.JobRepository, convos domain.ConversationRepository, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("seed file not found: %s", path)
		}
		return err
	}
	var doc seedYAML
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("yaml parse: %w", err)
	}

	convoIDs := make(map[string]string, len(doc.Conversations))
	for _, c := range doc.Conversations {
		id, err := convos.Create(ctx, domain.Conversation{Title: c.Title})
		if err != nil {
			return fmt.Errorf("seed conversation %q: %w", c.Title, err)
		}
		convoIDs[c.Title] = id
		for _, m := range c.Messages {
			role := domain.MessageRole(m.Role)
			if _, err := convos.InsertMessage(ctx, domain.Message{
				ConversationID: id,
				Role:           role,
				Content:        m.Content,
			}); err != nil {
				return fmt.Errorf("seed message in %q: %w", c.Title, err)
			}
		}
	}

	seeded := 0
	for _, j := range doc.Jobs {
		goal := strings.TrimSpace(j.Goal)
		if goal == "" {
			continue
		}
		mode := domain.JobMode(j.Mode)
		if j.Mode == "" {
			mode = domain.ModeMechanic
		}
		job := domain.Job{Goal: goal, Mode: mode, Priority: j.Priority, CreatedBy: "seed"}
		if j.Conversation != "" {
			id, ok := convoIDs[j.Conversation]
			if !ok {
				return fmt.Errorf("seed job %q references unknown conversation %q", goal, j.Conversation)
			}
			job.ConversationID = &id
		}
		if _, err := jobs.Insert(ctx, job); err != nil {
			return fmt.Errorf("seed job %q: %w", goal, err)
		}
		seeded++
	}
	slog.Info("seeded demo data",
		slog.Int("conversations", len(doc.Conversations)),
		slog.Int("jobs", seeded),
		slog.String("file", path))
	return nil
}
