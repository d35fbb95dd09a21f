package agent

import (
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/zenflux/zenflux/pkg/models"
)

// ErrAttachmentValidation marks a malformed file reference in the request.
// The gateway maps it to ATTACHMENT_VALIDATION_ERROR.
var ErrAttachmentValidation = errors.New("attachment validation error")

const (
	// inlineTextLimit is the byte cap above which text files are not
	// inlined.
	inlineTextLimit = 50 * 1024

	// previewThreshold is the size above which inlined text is reduced
	// to a head and tail preview.
	previewThreshold = 2 * 1024

	previewHead = 1024
	previewTail = 512

	localFilePrefix = "/api/v1/files/"
)

// FileRef is one attachment in a chat request.
type FileRef struct {
	FileID   string `json:"file_id,omitempty"`
	FileURL  string `json:"file_url,omitempty"`
	FileName string `json:"file_name,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
	FileType string `json:"file_type,omitempty"`
}

// AttachmentProcessor turns file references into content blocks for the
// outgoing model input.
type AttachmentProcessor struct {
	// StorageDir resolves local /api/v1/files/ paths.
	StorageDir string
}

// Process converts the references into content blocks, in order. A malformed
// reference aborts the whole set with ErrAttachmentValidation.
func (p *AttachmentProcessor) Process(refs []FileRef) ([]models.ContentBlock, error) {
	blocks := make([]models.ContentBlock, 0, len(refs))
	for i := range refs {
		b, err := p.process(&refs[i])
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b...)
	}
	return blocks, nil
}

func (p *AttachmentProcessor) process(ref *FileRef) ([]models.ContentBlock, error) {
	switch {
	case ref.FileID != "":
		// Uploaded files live under the storage dir keyed by id.
		return p.processLocal(filepath.Join(p.StorageDir, ref.FileID), ref)
	case strings.HasPrefix(ref.FileURL, localFilePrefix):
		rel := strings.TrimPrefix(ref.FileURL, localFilePrefix)
		path, err := p.resolveLocal(rel)
		if err != nil {
			return nil, err
		}
		return p.processLocal(path, ref)
	case strings.HasPrefix(ref.FileURL, "http://"), strings.HasPrefix(ref.FileURL, "https://"):
		return p.processRemote(ref), nil
	case ref.FileURL == "":
		return nil, fmt.Errorf("%w: file reference needs file_id or file_url", ErrAttachmentValidation)
	default:
		return nil, fmt.Errorf("%w: unsupported file_url scheme in %q", ErrAttachmentValidation, ref.FileURL)
	}
}

// resolveLocal maps a relative API path onto the storage dir, refusing
// escapes.
func (p *AttachmentProcessor) resolveLocal(rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: path %q escapes storage dir", ErrAttachmentValidation, rel)
	}
	return filepath.Join(p.StorageDir, clean), nil
}

func (p *AttachmentProcessor) processLocal(path string, ref *FileRef) ([]models.ContentBlock, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAttachmentValidation, displayName(ref, path), err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrAttachmentValidation, displayName(ref, path))
	}

	mediaType := refMediaType(ref, path)
	if strings.HasPrefix(mediaType, "image/") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrAttachmentValidation, displayName(ref, path), err)
		}
		return []models.ContentBlock{{
			Type: models.BlockImage,
			Source: &models.ImageSource{
				Kind:      "base64",
				MediaType: mediaType,
				Data:      base64.StdEncoding.EncodeToString(data),
			},
		}}, nil
	}

	if info.Size() <= inlineTextLimit {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrAttachmentValidation, displayName(ref, path), err)
		}
		// Uploaded ids often carry no extension, so fall back to a
		// content sniff.
		if isTextType(mediaType) || (mediaType == "application/octet-stream" && sniffIsText(data)) {
			return []models.ContentBlock{models.TextBlock(inlineText(displayName(ref, path), data))}, nil
		}
	}

	return []models.ContentBlock{models.TextBlock(referenceText(displayName(ref, path), path, mediaType, info.Size()))}, nil
}

func (p *AttachmentProcessor) processRemote(ref *FileRef) []models.ContentBlock {
	mediaType := refMediaType(ref, ref.FileURL)
	if strings.HasPrefix(mediaType, "image/") {
		return []models.ContentBlock{{
			Type: models.BlockImage,
			Source: &models.ImageSource{
				Kind:      "url",
				URL:       ref.FileURL,
				MediaType: mediaType,
			},
		}}
	}
	return []models.ContentBlock{models.TextBlock(referenceText(displayName(ref, ref.FileURL), ref.FileURL, mediaType, ref.FileSize))}
}

// inlineText wraps file content in a labelled fence, trimming to a head and
// tail preview past the threshold.
func inlineText(name string, data []byte) string {
	content := string(data)
	if len(data) > previewThreshold {
		// Trim at rune boundaries so multi-byte text never splits mid-character.
		headEnd := previewHead
		for headEnd > 0 && !utf8.RuneStart(content[headEnd]) {
			headEnd--
		}
		tailStart := len(content) - previewTail
		for tailStart < len(content) && !utf8.RuneStart(content[tailStart]) {
			tailStart++
		}
		content = content[:headEnd] + "\n... [" + fmt.Sprintf("%d bytes omitted", tailStart-headEnd) + "] ...\n" + content[tailStart:]
	}
	return fmt.Sprintf("<attached_file name=%q>\n%s\n</attached_file>", name, content)
}

// referenceText describes a file the model receives by reference only.
func referenceText(name, location, mediaType string, size int64) string {
	return fmt.Sprintf("<attached_file name=%q location=%q type=%q size=%d/>", name, location, mediaType, size)
}

func displayName(ref *FileRef, fallback string) string {
	if ref.FileName != "" {
		return ref.FileName
	}
	return filepath.Base(fallback)
}

// refMediaType prefers the declared type, then the extension, then a content
// sniff guard of octet-stream.
func refMediaType(ref *FileRef, path string) string {
	if ref.FileType != "" {
		return ref.FileType
	}
	if mt := mime.TypeByExtension(filepath.Ext(path)); mt != "" {
		if base, _, err := mime.ParseMediaType(mt); err == nil {
			return base
		}
		return mt
	}
	return "application/octet-stream"
}

func isTextType(mediaType string) bool {
	if strings.HasPrefix(mediaType, "text/") {
		return true
	}
	switch mediaType {
	case "application/json", "application/xml", "application/yaml",
		"application/x-yaml", "application/javascript", "application/toml":
		return true
	}
	return false
}

// sniffIsText is used when no extension or declared type is available on an
// uploaded file.
func sniffIsText(data []byte) bool {
	ct := http.DetectContentType(data)
	return strings.HasPrefix(ct, "text/")
}
