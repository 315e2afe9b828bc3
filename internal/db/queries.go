package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

type Image struct {
	ID              int64
	ProjectID       int64
	Path            string
	Width           int32
	Height          int32
	ProcessingStage string
	Created         pgtype.Timestamptz
}

type Label struct {
	ID        int64
	ProjectID int64
	Name      string
	Color     pgtype.Text
}

type Annotation struct {
	ID              int64
	DataID          int64
	ProjectID       int64
	Type            string
	Points          string
	Color           string
	LabelID         int64
	LabelmeData     pgtype.Text
	ProcessingStage string
	Created         pgtype.Timestamptz
	Modified        pgtype.Timestamptz
}

const getImage = `SELECT data_id, project_id, path, width, height, processing_stage, created
FROM data WHERE data_id = $1`

func (q *Queries) GetImage(ctx context.Context, id int64) (Image, error) {
	var i Image
	err := q.db.QueryRow(ctx, getImage, id).Scan(
		&i.ID, &i.ProjectID, &i.Path, &i.Width, &i.Height, &i.ProcessingStage, &i.Created,
	)
	return i, err
}

const listImagesForProject = `SELECT data_id, project_id, path, width, height, processing_stage, created
FROM data WHERE project_id = $1 ORDER BY data_id`

func (q *Queries) ListImagesForProject(ctx context.Context, projectID int64) ([]Image, error) {
	rows, err := q.db.Query(ctx, listImagesForProject, projectID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Image, error) {
		var i Image
		err := row.Scan(&i.ID, &i.ProjectID, &i.Path, &i.Width, &i.Height, &i.ProcessingStage, &i.Created)
		return i, err
	})
}

const updateImageSize = `UPDATE data SET width = $2, height = $3 WHERE data_id = $1`

func (q *Queries) UpdateImageSize(ctx context.Context, id int64, width, height int32) error {
	_, err := q.db.Exec(ctx, updateImageSize, id, width, height)
	return err
}

const listLabelsForProject = `SELECT label_id, project_id, name, color
FROM labels WHERE project_id = $1 ORDER BY label_id`

func (q *Queries) ListLabelsForProject(ctx context.Context, projectID int64) ([]Label, error) {
	rows, err := q.db.Query(ctx, listLabelsForProject, projectID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Label, error) {
		var l Label
		err := row.Scan(&l.ID, &l.ProjectID, &l.Name, &l.Color)
		return l, err
	})
}

const annotationColumns = `annotation_id, data_id, project_id, type, points, color, label_id,
labelme_data, processing_stage, created, modified`

func scanAnnotation(row pgx.Row) (Annotation, error) {
	var a Annotation
	err := row.Scan(
		&a.ID, &a.DataID, &a.ProjectID, &a.Type, &a.Points, &a.Color, &a.LabelID,
		&a.LabelmeData, &a.ProcessingStage, &a.Created, &a.Modified,
	)
	return a, err
}

const listAnnotationsForImage = `SELECT ` + annotationColumns + `
FROM annotations WHERE data_id = $1 ORDER BY annotation_id`

func (q *Queries) ListAnnotationsForImage(ctx context.Context, dataID int64) ([]Annotation, error) {
	rows, err := q.db.Query(ctx, listAnnotationsForImage, dataID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Annotation, error) {
		return scanAnnotation(row)
	})
}

type InsertAnnotationParams struct {
	DataID          int64
	ProjectID       int64
	Type            string
	Points          string
	Color           string
	LabelID         int64
	LabelmeData     pgtype.Text
	ProcessingStage string
}

const insertAnnotation = `INSERT INTO annotations
(data_id, project_id, type, points, color, label_id, labelme_data, processing_stage)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING ` + annotationColumns

func (q *Queries) InsertAnnotation(ctx context.Context, arg InsertAnnotationParams) (Annotation, error) {
	row := q.db.QueryRow(ctx, insertAnnotation,
		arg.DataID, arg.ProjectID, arg.Type, arg.Points, arg.Color,
		arg.LabelID, arg.LabelmeData, arg.ProcessingStage,
	)
	return scanAnnotation(row)
}

const deleteAnnotationsForStage = `DELETE FROM annotations WHERE data_id = $1 AND processing_stage = $2`

func (q *Queries) DeleteAnnotationsForStage(ctx context.Context, dataID int64, stage string) (int64, error) {
	tag, err := q.db.Exec(ctx, deleteAnnotationsForStage, dataID, stage)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const deleteAnnotationsForImage = `DELETE FROM annotations WHERE data_id = $1`

func (q *Queries) DeleteAnnotationsForImage(ctx context.Context, dataID int64) (int64, error) {
	tag, err := q.db.Exec(ctx, deleteAnnotationsForImage, dataID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Store adds the multi-statement operations that need a transaction.
type Store struct {
	*Queries
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Queries: New(pool), pool: pool}
}

// ReplaceAnnotations deletes every annotation of (dataID, stage) and inserts
// rows in their place, atomically. Rows are stamped with dataID and stage.
func (s *Store) ReplaceAnnotations(ctx context.Context, dataID int64, stage string, rows []InsertAnnotationParams) ([]Annotation, error) {
	var saved []Annotation
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		q := s.WithTx(tx)
		if _, err := q.DeleteAnnotationsForStage(ctx, dataID, stage); err != nil {
			return fmt.Errorf("delete existing: %w", err)
		}
		saved = make([]Annotation, 0, len(rows))
		for i, row := range rows {
			row.DataID = dataID
			row.ProcessingStage = stage
			a, err := q.InsertAnnotation(ctx, row)
			if err != nil {
				return fmt.Errorf("insert annotation %d: %w", i, err)
			}
			saved = append(saved, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}
