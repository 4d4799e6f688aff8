// SPDX-License-Identifier: MIT

// Package playlist loads M3U playlists into queueable items. The scheduler
// resolves trigger playlist_refs through it; operators can point a trigger
// at any extended-M3U file.
package playlist

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/tgcast/tgcast/internal/apperr"
	"github.com/tgcast/tgcast/internal/domain"
)

// Entry is one parsed playlist line pair.
type Entry struct {
	Title           string
	URL             string
	DurationSeconds int
}

// Parse reads extended-M3U content. Lines it does not understand are
// skipped, not errors; a playlist with zero usable entries is still valid.
func Parse(content string) []Entry {
	var entries []Entry
	var current Entry
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "#EXTINF:"):
			current = Entry{}
			info := strings.TrimPrefix(line, "#EXTINF:")
			// Duration is the first comma-free token; the title follows the
			// last comma.
			if idx := strings.IndexAny(info, " ,"); idx != -1 {
				if d, err := strconv.ParseFloat(info[:idx], 64); err == nil && d > 0 {
					current.DurationSeconds = int(d)
				}
			}
			if idx := strings.LastIndex(line, ","); idx != -1 {
				current.Title = strings.TrimSpace(line[idx+1:])
			}
		case line == "" || strings.HasPrefix(line, "#"):
			// Directive or blank; keep the pending EXTINF.
		default:
			current.URL = line
			entries = append(entries, current)
			current = Entry{}
		}
	}
	return entries
}

// Load reads the playlist at path and maps its entries onto queueable items
// for the given channel. Source kinds follow the URL shape: http(s) with a
// declared finite duration is a fetchable web item, without one a continuous
// radio stream; everything else is a local path.
func Load(path, channelID string) ([]domain.PlaylistItem, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.New(apperr.KindNotFound, "playlist not found: "+path)
		}
		return nil, apperr.Wrap(apperr.KindInternal, "read playlist", err)
	}

	entries := Parse(string(content))
	items := make([]domain.PlaylistItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, domain.PlaylistItem{
			ID:              uuid.NewString(),
			ChannelID:       channelID,
			Source:          domain.Source{Kind: kindFor(e), Value: e.URL},
			Title:           e.Title,
			DurationSeconds: e.DurationSeconds,
			Status:          domain.ItemQueued,
		})
	}
	return items, nil
}

func kindFor(e Entry) domain.SourceKind {
	if strings.HasPrefix(e.URL, "http://") || strings.HasPrefix(e.URL, "https://") {
		if e.DurationSeconds > 0 {
			return domain.SourceWebURL
		}
		return domain.SourceRadioStream
	}
	return domain.SourceLocalPath
}

// FileSource is the scheduler's playlist capability backed by local files.
type FileSource struct{}

// Items loads ref as an M3U file path.
func (FileSource) Items(_ context.Context, ref, channelID string) ([]domain.PlaylistItem, error) {
	return Load(ref, channelID)
}
