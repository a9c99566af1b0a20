package coedit

import (
	"fmt"

	"github.com/fmpwizard/go-quilljs-delta/delta"
)

// positions are in runes and clamped to the document

func contentDelta(content string) *delta.Delta {
	d := delta.New(nil)
	if content != "" {
		d = d.Insert(content, nil)
	}
	return d
}

func deltaText(d *delta.Delta) string {
	out := []rune{}
	for _, op := range d.Ops {
		if op.Insert != nil {
			out = append(out, op.Insert...)
		}
	}
	return string(out)
}

func clamp(v int, lo int, hi int) int {
	return min(max(v, lo), hi)
}

// builds the change delta for an operation message against a document of `n` runes
func editDelta(message *EditMessage, n int) (*delta.Delta, error) {
	position := clamp(message.CursorPosition, 0, n)
	changeContent := ""
	if message.ChangeContent != nil {
		changeContent = *message.ChangeContent
	}

	d := delta.New(nil)
	if 0 < position {
		d = d.Retain(position, nil)
	}

	switch message.Operation {
	case EditOperationInsert:
		if changeContent != "" {
			d = d.Insert(changeContent, nil)
		}
	case EditOperationDelete:
		if length := clamp(message.Length, 0, n-position); 0 < length {
			d = d.Delete(length)
		}
	case EditOperationReplace:
		if changeContent != "" {
			d = d.Insert(changeContent, nil)
		}
		if length := clamp(message.Length, 0, n-position); 0 < length {
			d = d.Delete(length)
		}
	default:
		return nil, fmt.Errorf("Unknown edit operation: %s", message.Operation)
	}
	return d, nil
}

// returns the content after applying the remote edit.
// Messages without an operation (the editor path) carry the whole content and replace it.
func ApplyEdit(content string, message *EditMessage) (string, error) {
	if message.Operation == "" {
		switch {
		case message.Content != nil:
			return *message.Content, nil
		case message.ChangeContent != nil:
			return *message.ChangeContent, nil
		default:
			return "", fmt.Errorf("Edit has no content.")
		}
	}

	d, err := editDelta(message, len([]rune(content)))
	if err != nil {
		return "", err
	}
	return deltaText(contentDelta(content).Compose(*d)), nil
}
