// ABOUTME: Writes ended or evicted conversations to text files and indexes them.
// ABOUTME: Files are replaced atomically so archiving a session twice never appends.

package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/ria-gateway/internal/render"
	"github.com/2389/ria-gateway/internal/session"
	"github.com/2389/ria-gateway/internal/store"
)

// Indexer records archive metadata.
type Indexer interface {
	SaveArchive(ctx context.Context, a *store.Archive) error
}

// Options configures a Writer.
type Options struct {
	Dir string
	// Redis, when set, receives a JSON copy of every archive as a field of
	// the hash at Key, keyed by session id.
	Redis redis.Cmdable
	Key   string
}

// Writer archives sessions.
type Writer struct {
	dir    string
	index  Indexer
	rdb    redis.Cmdable
	key    string
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Writer, creating the archive directory if needed.
func New(opts Options, index Indexer, logger *slog.Logger) (*Writer, error) {
	if err := os.MkdirAll(opts.Dir, 0750); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}
	key := opts.Key
	if key == "" {
		key = "ria:archives"
	}
	return &Writer{
		dir:    opts.Dir,
		index:  index,
		rdb:    opts.Redis,
		key:    key,
		logger: logger.With("component", "archive"),
		now:    time.Now,
	}, nil
}

// record is the Redis mirror payload.
type record struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	WebsiteID string            `json:"website_id"`
	Locale    string            `json:"locale"`
	Finished  bool              `json:"finished"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at"`
	Variables map[string]string `json:"variables"`
	Text      string            `json:"text"`
}

// Archive writes s to its file and records it in the index. The file name
// derives from the session id, so a second call overwrites the first.
func (w *Writer) Archive(ctx context.Context, s *session.Session) (*store.Archive, error) {
	end := w.now()
	text := Format(s, end)
	path := filepath.Join(w.dir, FileName(s))

	if err := writeAtomic(path, []byte(text)); err != nil {
		return nil, fmt.Errorf("writing archive for %s: %w", s.UserID, err)
	}

	a := &store.Archive{
		ID:        s.ID,
		UserID:    s.UserID,
		WebsiteID: s.WebsiteID,
		Path:      path,
		Finished:  s.Ended,
		Messages:  len(s.History),
		StartedAt: s.CreatedAt,
		EndedAt:   end,
	}
	if w.index != nil {
		if err := w.index.SaveArchive(ctx, a); err != nil {
			return a, fmt.Errorf("indexing archive for %s: %w", s.UserID, err)
		}
	}

	if w.rdb != nil {
		w.mirror(ctx, s, a, text)
	}

	w.logger.Debug("archived session", "user_id", s.UserID, "path", path, "finished", a.Finished)
	return a, nil
}

// ArchiveAll archives every session, logging failures and carrying on.
// It returns the number archived.
func (w *Writer) ArchiveAll(ctx context.Context, sessions []*session.Session) int {
	n := 0
	for _, s := range sessions {
		if _, err := w.Archive(ctx, s); err != nil {
			w.logger.Error("archive failed", "user_id", s.UserID, "error", err)
			continue
		}
		n++
	}
	return n
}

// mirror pushes a copy to Redis. Failures only log; the file is the record.
func (w *Writer) mirror(ctx context.Context, s *session.Session, a *store.Archive, text string) {
	b, err := json.Marshal(record{
		ID:        a.ID,
		UserID:    a.UserID,
		WebsiteID: a.WebsiteID,
		Locale:    s.Locale,
		Finished:  a.Finished,
		StartedAt: a.StartedAt,
		EndedAt:   a.EndedAt,
		Variables: s.Vars(),
		Text:      text,
	})
	if err != nil {
		w.logger.Warn("marshal archive mirror", "user_id", s.UserID, "error", err)
		return
	}
	if err := w.rdb.HSet(ctx, w.key, a.ID, b).Err(); err != nil {
		w.logger.Warn("store archive mirror", "user_id", s.UserID, "key", w.key, "error", err)
	}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileName returns the archive file name for s.
func FileName(s *session.Session) string {
	user := unsafeName.ReplaceAllString(s.UserID, "_")
	if len(user) > 64 {
		user = user[:64]
	}
	return fmt.Sprintf("%s_%s_%s.txt", s.CreatedAt.UTC().Format("20060102-150405"), user, s.ID)
}

// Format renders the archive text for s as of end.
func Format(s *session.Session, end time.Time) string {
	var b strings.Builder

	status := "NOT ENDED"
	if s.Ended {
		status = "ENDED"
	}
	fmt.Fprintf(&b, "Session: %s\n", s.ID)
	fmt.Fprintf(&b, "User:    %s\n", s.UserID)
	fmt.Fprintf(&b, "Website: %s\n", s.WebsiteID)
	fmt.Fprintf(&b, "Locale:  %s\n", s.Locale)
	fmt.Fprintf(&b, "Started: %s\n", s.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Ended:   %s\n", end.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Status:  %s\n", status)

	b.WriteString("\n[variables]\n")
	keys := make([]string, 0, len(s.Variables))
	for k := range s.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s = %s\n", k, s.Variables[k])
	}

	b.WriteString("\n[history]\n")
	for _, e := range s.History {
		text := strings.ReplaceAll(render.StripTags(e.Text), "\n", " ")
		fmt.Fprintf(&b, "%s %s: %s\n", e.At.UTC().Format(time.RFC3339), e.Speaker, text)
	}
	return b.String()
}

// writeAtomic writes data to a temp file in the target directory and renames
// it over path.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".archive-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// NewRedis connects to url and pings it.
func NewRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.DialTimeout = 5 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}
