//nolint:whitespace // can't make both editor and linter happy
package insight

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/mpapenbr/tirewatch-backend-go/pkg/model"
	"github.com/mpapenbr/tirewatch-backend-go/pkg/repository"
)

var ErrNotFound = errors.New("insight not found")

// Upsert stores an insight keyed on its result log record id. Replays of the
// same record overwrite rather than duplicate, which keeps at-least-once
// delivery idempotent in storage.
func Upsert(ctx context.Context, conn repository.Querier, item *model.DbInsight) error {
	_, err := conn.Exec(ctx, `
	insert into insight (id, data) values ($1,$2)
	on conflict (id) do update set data=excluded.data, recorded_at=now()
		`,
		item.ID, item.Data,
	)
	return err
}

func LoadByID(ctx context.Context, conn repository.Querier, id uint64) (
	*model.DbInsight, error,
) {
	row := conn.QueryRow(ctx, `
	select id, data from insight where id=$1
	`, id)
	var item model.DbInsight
	if err := row.Scan(&item.ID, &item.Data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &item, nil
}

// LoadLatest returns up to limit insights, newest record first.
func LoadLatest(ctx context.Context, conn repository.Querier, limit int) (
	[]*model.DbInsight, error,
) {
	rows, err := conn.Query(ctx, `
	select id, data from insight order by id desc limit $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ret := make([]*model.DbInsight, 0, limit)
	for rows.Next() {
		var item model.DbInsight
		if err := rows.Scan(&item.ID, &item.Data); err != nil {
			return nil, err
		}
		ret = append(ret, &item)
	}
	return ret, rows.Err()
}

func DeleteByID(ctx context.Context, conn repository.Querier, id uint64) (int, error) {
	cmdTag, err := conn.Exec(ctx, "delete from insight where id=$1", id)
	if err != nil {
		return 0, err
	}
	return int(cmdTag.RowsAffected()), nil
}
