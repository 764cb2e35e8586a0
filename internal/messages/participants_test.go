package messages

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
)

func TestParticipants(t *testing.T) {
	assert := assert.New(t)

	db, mock, err := sqlmock.New()
	assert.NoError(err, "unable to open the mock database connection")
	defer db.Close()

	rows := sqlmock.NewRows([]string{"user_id"}).AddRow("alice").AddRow("bob")
	mock.ExpectQuery("SELECT user_id FROM conversation_participants WHERE conversation_id = \\$1 ORDER BY user_id").
		WithArgs("conv-1").
		WillReturnRows(rows)

	p := NewPostgresParticipants(sqlx.NewDb(db, "postgres"))
	ids, err := p.Participants(context.Background(), "conv-1")
	assert.NoError(err)
	assert.Equal([]string{"alice", "bob"}, ids)

	assert.NoError(mock.ExpectationsWereMet(), "not all mock expectations were met")
}

func TestParticipantsQueryError(t *testing.T) {
	assert := assert.New(t)

	db, mock, err := sqlmock.New()
	assert.NoError(err, "unable to open the mock database connection")
	defer db.Close()

	mock.ExpectQuery("SELECT user_id FROM conversation_participants").
		WithArgs("conv-1").
		WillReturnError(errors.New("connection reset"))

	p := NewPostgresParticipants(sqlx.NewDb(db, "postgres"))
	ids, err := p.Participants(context.Background(), "conv-1")
	assert.Error(err)
	assert.Nil(ids)

	assert.NoError(mock.ExpectationsWereMet(), "not all mock expectations were met")
}
