// Package seed loads live session fixtures for local runs.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/MarcoPoloResearchLab/livesession/internal/errs"
	"github.com/MarcoPoloResearchLab/livesession/internal/sessions"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// SessionFixture describes one session to create.
type SessionFixture struct {
	JoinCode  string `yaml:"join_code"`
	TeacherID string `yaml:"teacher_id"`
	LessonID  string `yaml:"lesson_id"`
}

// File is the top-level fixture document.
type File struct {
	Sessions []SessionFixture `yaml:"sessions"`
}

// Creator persists sessions.
type Creator interface {
	Create(ctx context.Context, request sessions.CreateRequest) (sessions.Session, error)
}

// Result counts what Apply did.
type Result struct {
	Created int
	Skipped int
}

// Parse decodes a fixture document.
func Parse(reader io.Reader) (File, error) {
	var file File
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return File{}, nil
		}
		return File{}, fmt.Errorf("seed: decode fixtures: %w", err)
	}
	return file, nil
}

// LoadFile reads and decodes the fixture document at path.
func LoadFile(path string) (File, error) {
	handle, err := os.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("seed: open %s: %w", path, err)
	}
	defer handle.Close()
	return Parse(handle)
}

// Apply creates every fixture. Join codes that already exist are skipped.
func Apply(ctx context.Context, creator Creator, file File, logger *zap.Logger) (Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var result Result
	for index, fixture := range file.Sessions {
		session, err := creator.Create(ctx, sessions.CreateRequest{
			JoinCode:  fixture.JoinCode,
			TeacherID: fixture.TeacherID,
			LessonID:  fixture.LessonID,
		})
		if err != nil {
			if errs.Classify(err) == errs.CodeInvalidState {
				result.Skipped++
				logger.Info("seed session skipped", zap.String("join_code", fixture.JoinCode))
				continue
			}
			return result, fmt.Errorf("seed: session %d (%q): %w", index, fixture.JoinCode, err)
		}
		result.Created++
		logger.Info("seed session created",
			zap.String("session_id", session.ID),
			zap.String("join_code", session.JoinCode))
	}
	return result, nil
}
