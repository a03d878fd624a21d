package replay

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/retracesoftware/retrace/trace"
)

// VarHit is one binding-write site matching a variable search.
type VarHit struct {
	Counter uint64
	Frame   uint64
	Name    string
	Tok     trace.Tok
}

// searchIndex is the lazily-built bindings index: every binding write
// in the log, queryable by glob pattern.
type searchIndex struct {
	db *sql.DB
}

// SearchVariables returns every recorded binding write whose name
// matches the glob pattern, ordered by counter. The index over the
// trace is built on first use and kept for the engine's lifetime.
func (e *Engine) SearchVariables(pattern string) ([]VarHit, error) {
	e.searchMu.Lock()
	defer e.searchMu.Unlock()
	if e.search == nil {
		idx, err := e.buildSearchIndex()
		if err != nil {
			return nil, err
		}
		e.search = idx
	}
	rows, err := e.search.db.Query(
		`SELECT counter, frame, name, tok FROM bindings WHERE name GLOB ? ORDER BY counter`, pattern)
	if err != nil {
		return nil, fmt.Errorf("variable search: %w", err)
	}
	defer rows.Close()

	var hits []VarHit
	for rows.Next() {
		var h VarHit
		var tok int64
		if err := rows.Scan(&h.Counter, &h.Frame, &h.Name, &tok); err != nil {
			return nil, err
		}
		h.Tok = trace.Tok(uint64(tok))
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (e *Engine) buildSearchIndex() (*searchIndex, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE bindings (counter INTEGER, frame INTEGER, name TEXT, tok INTEGER)`); err != nil {
		_ = db.Close()
		return nil, err
	}

	tx, err := db.Begin()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	stmt, err := tx.Prepare(`INSERT INTO bindings (counter, frame, name, tok) VALUES (?, ?, ?, ?)`)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	frameCodes := make(map[uint64]uint32)
	scanErr := e.reader.Scan(func(ev *trace.Event, _ uint64) bool {
		if ev.Tag == trace.TagFrameEnter {
			frameCodes[ev.Frame] = ev.CodeID
		}
		if ev.Tag != trace.TagInstruction && ev.Tag != trace.TagFrameEnter {
			return true
		}
		for _, b := range ev.Writes {
			name := fmt.Sprintf("#%d", b.NameID)
			if code := e.reader.Code(frameCodes[ev.Frame]); code != nil {
				if n := code.NameOf(b.NameID); n != "" {
					name = n
				}
			}
			if _, err := stmt.Exec(int64(ev.Counter), int64(ev.Frame), name, int64(uint64(b.Tok))); err != nil {
				return false
			}
		}
		return true
	})
	_ = stmt.Close()
	if scanErr != nil {
		_ = tx.Rollback()
		_ = db.Close()
		return nil, scanErr
	}
	if err := tx.Commit(); err != nil {
		_ = db.Close()
		return nil, err
	}
	e.log.Debug().Msg("variable search index built")
	return &searchIndex{db: db}, nil
}

func (s *searchIndex) close() error {
	return s.db.Close()
}
