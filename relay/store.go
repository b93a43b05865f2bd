package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/bringyour/atelier/api"
	"github.com/bringyour/atelier/comment"
)

var ErrNotFound = errors.New("not found")

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS records_collection ON records (collection, created_at);

		CREATE TABLE IF NOT EXISTS files (
			id TEXT PRIMARY KEY,
			record_id TEXT NOT NULL REFERENCES records (id) ON DELETE CASCADE,
			file_name TEXT NOT NULL,
			content_type TEXT NOT NULL,
			size INTEGER NOT NULL,
			data BLOB NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS files_record ON files (record_id);

		-- comments can be posted to any room, so there is no record foreign key
		CREATE TABLE IF NOT EXISTS comments (
			id TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			record_id TEXT NOT NULL,
			file_id TEXT NOT NULL DEFAULT '',
			client_id TEXT NOT NULL DEFAULT '',
			author TEXT NOT NULL,
			body TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS comments_record ON comments (collection, record_id, created_at);

		INSERT INTO schema_version (version) VALUES (1);
		`,
	},
}

type recordRow struct {
	Id         string `db:"id"`
	Collection string `db:"collection"`
	Name       string `db:"name"`
	CreatedAt  int64  `db:"created_at"`
}

type fileRow struct {
	Id          string `db:"id"`
	RecordId    string `db:"record_id"`
	FileName    string `db:"file_name"`
	ContentType string `db:"content_type"`
	Size        int64  `db:"size"`
}

type commentRow struct {
	Id         string `db:"id"`
	Collection string `db:"collection"`
	RecordId   string `db:"record_id"`
	FileId     string `db:"file_id"`
	ClientId   string `db:"client_id"`
	Author     string `db:"author"`
	Body       string `db:"body"`
	Role       string `db:"role"`
	CreatedAt  int64  `db:"created_at"`
}

func (self *commentRow) Comment() comment.Comment {
	return comment.Comment{
		Id:        self.Id,
		ClientId:  self.ClientId,
		Author:    self.Author,
		Body:      self.Body,
		Role:      self.Role,
		FileId:    self.FileId,
		Timestamp: time.UnixMilli(self.CreatedAt).UTC(),
	}
}

type NewFile struct {
	FileName    string
	ContentType string
	Data        []byte
}

type StoredFile struct {
	Id          string
	RecordId    string
	FileName    string
	ContentType string
	Data        []byte
}

type NewComment struct {
	Collection string
	RecordId   string
	FileId     string
	ClientId   string
	Author     string
	Body       string
	Role       string
}

// records, their files and comments in sqlite
type Store struct {
	db *sqlx.DB
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// one connection serializes writers, and keeps a `:memory:` db alive
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (self *Store) Close() error {
	return self.db.Close()
}

func (self *Store) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := self.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if 0 < tableCount {
		err = self.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := self.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

func (self *Store) CreateRecord(ctx context.Context, collection string, name string, files []*NewFile) (*api.Record, error) {
	recordId := uuid.NewString()
	now := time.Now().UTC()

	tx, err := self.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO records (id, collection, name, created_at) VALUES (?, ?, ?, ?)",
		recordId, collection, name, now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting record: %w", err)
	}
	for _, file := range files {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO files (id, record_id, file_name, content_type, size, data, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
			uuid.NewString(), recordId, file.FileName, file.ContentType, len(file.Data), file.Data, now.UnixMilli(),
		)
		if err != nil {
			return nil, fmt.Errorf("inserting file %s: %w", file.FileName, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing record: %w", err)
	}

	return self.GetRecord(ctx, collection, recordId)
}

func (self *Store) ListRecords(ctx context.Context, collection string) ([]*api.Record, error) {
	var rows []recordRow
	err := self.db.SelectContext(ctx, &rows,
		"SELECT * FROM records WHERE collection = ? ORDER BY created_at DESC, id",
		collection,
	)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", collection, err)
	}

	records := make([]*api.Record, 0, len(rows))
	for _, row := range rows {
		record, err := self.loadRecord(ctx, row)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (self *Store) GetRecord(ctx context.Context, collection string, id string) (*api.Record, error) {
	var row recordRow
	err := self.db.GetContext(ctx, &row,
		"SELECT * FROM records WHERE collection = ? AND id = ?",
		collection, id,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, collection, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s %s: %w", collection, id, err)
	}
	return self.loadRecord(ctx, row)
}

func (self *Store) loadRecord(ctx context.Context, row recordRow) (*api.Record, error) {
	var files []fileRow
	err := self.db.SelectContext(ctx, &files,
		"SELECT id, record_id, file_name, content_type, size FROM files WHERE record_id = ? ORDER BY created_at, id",
		row.Id,
	)
	if err != nil {
		return nil, fmt.Errorf("listing files of %s: %w", row.Id, err)
	}

	comments, err := self.Comments(ctx, row.Collection, row.Id)
	if err != nil {
		return nil, err
	}

	record := &api.Record{
		Id:         row.Id,
		Collection: row.Collection,
		Name:       row.Name,
		Files:      []*api.File{},
		Comments:   []*comment.RemoteComment{},
		CreatedAt:  time.UnixMilli(row.CreatedAt).UTC(),
	}
	fileIndex := map[string]*api.File{}
	for _, f := range files {
		file := &api.File{
			Id:          f.Id,
			FileName:    f.FileName,
			ContentType: f.ContentType,
			Size:        f.Size,
		}
		fileIndex[f.Id] = file
		record.Files = append(record.Files, file)
	}
	for _, c := range comments {
		remote := comment.NewRemoteComment(c)
		if c.FileId == "" {
			record.Comments = append(record.Comments, remote)
		} else if file, ok := fileIndex[c.FileId]; ok {
			file.Comments = append(file.Comments, remote)
		}
	}
	return record, nil
}

// oldest first
func (self *Store) Comments(ctx context.Context, collection string, recordId string) ([]comment.Comment, error) {
	var rows []commentRow
	err := self.db.SelectContext(ctx, &rows,
		"SELECT * FROM comments WHERE collection = ? AND record_id = ? ORDER BY created_at, id",
		collection, recordId,
	)
	if err != nil {
		return nil, fmt.Errorf("listing comments of %s: %w", recordId, err)
	}
	comments := make([]comment.Comment, 0, len(rows))
	for _, row := range rows {
		comments = append(comments, row.Comment())
	}
	return comments, nil
}

func (self *Store) AddComment(ctx context.Context, newComment *NewComment) (comment.Comment, error) {
	row := commentRow{
		Id:         uuid.NewString(),
		Collection: newComment.Collection,
		RecordId:   newComment.RecordId,
		FileId:     newComment.FileId,
		ClientId:   newComment.ClientId,
		Author:     newComment.Author,
		Body:       newComment.Body,
		Role:       newComment.Role,
		CreatedAt:  time.Now().UnixMilli(),
	}
	_, err := self.db.NamedExecContext(ctx, `
		INSERT INTO comments (id, collection, record_id, file_id, client_id, author, body, role, created_at)
		VALUES (:id, :collection, :record_id, :file_id, :client_id, :author, :body, :role, :created_at)`,
		row,
	)
	if err != nil {
		return comment.Comment{}, fmt.Errorf("inserting comment: %w", err)
	}
	return row.Comment(), nil
}

func (self *Store) HasFile(ctx context.Context, recordId string, fileId string) (bool, error) {
	var count int
	err := self.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM files WHERE record_id = ? AND id = ?",
		recordId, fileId,
	)
	if err != nil {
		return false, fmt.Errorf("checking file %s: %w", fileId, err)
	}
	return 0 < count, nil
}

func (self *Store) GetFile(ctx context.Context, fileId string) (*StoredFile, error) {
	var file struct {
		Id          string `db:"id"`
		RecordId    string `db:"record_id"`
		FileName    string `db:"file_name"`
		ContentType string `db:"content_type"`
		Data        []byte `db:"data"`
	}
	err := self.db.GetContext(ctx, &file,
		"SELECT id, record_id, file_name, content_type, data FROM files WHERE id = ?",
		fileId,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: file %s", ErrNotFound, fileId)
	}
	if err != nil {
		return nil, fmt.Errorf("getting file %s: %w", fileId, err)
	}
	return &StoredFile{
		Id:          file.Id,
		RecordId:    file.RecordId,
		FileName:    file.FileName,
		ContentType: file.ContentType,
		Data:        file.Data,
	}, nil
}
