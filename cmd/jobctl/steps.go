package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"tradepost/internal/domain"
)

// readSteps loads pipeline steps from path, or stdin when path is "-".
func readSteps(path string) ([]domain.Step, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read steps: %w", err)
	}
	return parseSteps(raw)
}

// parseSteps accepts either a bare array of steps or {"steps": [...]}.
func parseSteps(raw []byte) ([]domain.Step, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("steps file is empty")
	}

	var steps []domain.Step
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &steps); err != nil {
			return nil, fmt.Errorf("decode steps: %w", err)
		}
	} else {
		var doc struct {
			Steps []domain.Step `json:"steps"`
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode steps: %w", err)
		}
		steps = doc.Steps
	}
	if len(steps) == 0 {
		return nil, errors.New("no steps to submit")
	}
	return steps, nil
}
