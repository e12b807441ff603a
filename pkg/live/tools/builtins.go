package tools

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/core/types"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/store"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/workspace"
)

const (
	SaveArtifactName   = "save_artifact"
	UpdateDocumentName = "update_document"

	artifactPrefix     = "artifacts"
	artifactPutTimeout = 30 * time.Second
)

// ArtifactSaver handles save_artifact. The store write runs in the
// background; the result only promises the key.
type ArtifactSaver struct {
	store  store.Store
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewArtifactSaver(st store.Store, logger *slog.Logger) *ArtifactSaver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArtifactSaver{store: st, logger: logger}
}

func (a *ArtifactSaver) Declaration() types.ToolDeclaration {
	return types.ToolDeclaration{
		Name:        SaveArtifactName,
		Description: "Save a piece of content produced in the conversation so the user can find it later.",
		Parameters: &types.JSONSchema{
			Type: "object",
			Properties: map[string]types.JSONSchema{
				"name":    {Type: "string", Description: "Short file-like name for the artifact"},
				"content": {Type: "string", Description: "Full text content to save"},
			},
			Required: []string{"name", "content"},
		},
	}
}

func (a *ArtifactSaver) Handle(_ context.Context, inv types.ToolInvocation) (map[string]any, error) {
	name, _ := inv.StringArg("name")
	content, ok := inv.StringArg("content")
	if !ok {
		return nil, fmt.Errorf("missing string argument %q", "content")
	}
	if a.store == nil {
		return nil, fmt.Errorf("no artifact store configured")
	}
	key := ArtifactKey(name)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		// Detached from the call context: the result is already on its way.
		ctx, cancel := context.WithTimeout(context.Background(), artifactPutTimeout)
		defer cancel()
		if _, err := a.store.Put(ctx, key, []byte(content), contentTypeFor(key)); err != nil {
			a.logger.Error("artifact save failed", "key", key, "call_id", inv.ID, "err", err)
			return
		}
		a.logger.Info("artifact saved", "key", key, "bytes", len(content))
	}()

	return map[string]any{"status": "saving", "key": key}, nil
}

// Wait blocks until background saves finish.
func (a *ArtifactSaver) Wait() { a.wg.Wait() }

// ArtifactKey turns a user-facing name into a unique store key.
func ArtifactKey(name string) string {
	name = strings.TrimSpace(path.Base(strings.ReplaceAll(name, "\\", "/")))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('-')
		}
	}
	clean := strings.Trim(b.String(), ".-")
	if clean == "" {
		clean = "artifact"
	}
	return fmt.Sprintf("%s/%s-%s", artifactPrefix, uuid.NewString()[:8], clean)
}

func contentTypeFor(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".md":
		return "text/markdown; charset=utf-8"
	case ".json":
		return "application/json"
	case ".html":
		return "text/html; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}

// DocumentUpdater handles update_document by replacing the workspace
// document before the result is returned.
type DocumentUpdater struct {
	doc    workspace.Document
	logger *slog.Logger
}

func NewDocumentUpdater(doc workspace.Document, logger *slog.Logger) *DocumentUpdater {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentUpdater{doc: doc, logger: logger}
}

func (u *DocumentUpdater) Declaration() types.ToolDeclaration {
	return types.ToolDeclaration{
		Name:        UpdateDocumentName,
		Description: "Replace the entire shared document with new content.",
		Parameters: &types.JSONSchema{
			Type: "object",
			Properties: map[string]types.JSONSchema{
				"content": {Type: "string", Description: "The complete new document content"},
			},
			Required: []string{"content"},
		},
	}
}

func (u *DocumentUpdater) Handle(_ context.Context, inv types.ToolInvocation) (map[string]any, error) {
	content, ok := inv.StringArg("content")
	if !ok {
		// Some models pick their own field name for the payload.
		for _, alt := range []string{"code", "new_content"} {
			if content, ok = inv.StringArg(alt); ok {
				u.logger.Warn("update_document called with non-standard field", "field", alt, "call_id", inv.ID)
				break
			}
		}
	}
	if !ok {
		return nil, fmt.Errorf("missing string argument %q", "content")
	}
	if u.doc == nil {
		return nil, fmt.Errorf("no workspace document open")
	}
	if err := u.doc.Replace(content); err != nil {
		return nil, err
	}
	return map[string]any{"status": "updated", "length": len(content)}, nil
}

// RegisterBuiltins registers save_artifact (when st is set) and
// update_document (when doc is set).
func RegisterBuiltins(r *Registry, st store.Store, doc workspace.Document, logger *slog.Logger) (*ArtifactSaver, error) {
	var saver *ArtifactSaver
	if st != nil {
		saver = NewArtifactSaver(st, logger)
		if err := r.Register(saver); err != nil {
			return nil, err
		}
	}
	if doc != nil {
		if err := r.Register(NewDocumentUpdater(doc, logger)); err != nil {
			return nil, err
		}
	}
	return saver, nil
}
