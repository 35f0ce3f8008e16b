package inbox

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/approvalflow/internal/testutil"
)

type PostgresInboxTestSuite struct {
	suite.Suite
	db    *sql.DB
	inbox *PostgresInbox
}

func TestPostgresInboxTestSuite(t *testing.T) {
	dsn := testutil.GetPostgresEndpoint(t)
	suite.Run(t, &PostgresInboxTestSuite{db: openPostgres(t, dsn)})
}

func openPostgres(t *testing.T, dsn string) *sql.DB {
	t.Helper()
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func (s *PostgresInboxTestSuite) SetupSuite() {
	q, err := NewPostgresInbox(s.db)
	s.Require().NoError(err)
	s.inbox = q
}

func (s *PostgresInboxTestSuite) TestContract() {
	runInboxContract(s.T(), s.inbox)
}

type RedisInboxTestSuite struct {
	suite.Suite
	client *redis.Client
	inbox  *RedisInbox
}

func TestRedisInboxTestSuite(t *testing.T) {
	addr := testutil.GetRedisAddress(t)
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	suite.Run(t, &RedisInboxTestSuite{client: client})
}

func (s *RedisInboxTestSuite) SetupTest() {
	s.Require().NoError(s.client.FlushDB(context.Background()).Err())
	s.inbox = NewRedisInbox(s.client, "approvalflow-test:")
}

func (s *RedisInboxTestSuite) TestContract() {
	runInboxContract(s.T(), s.inbox)
}

type MongoInboxTestSuite struct {
	suite.Suite
	client *mongo.Client
	inbox  *MongoInbox
}

func TestMongoInboxTestSuite(t *testing.T) {
	uri := testutil.GetMongoURI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("mongo.Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	suite.Run(t, &MongoInboxTestSuite{client: client})
}

func (s *MongoInboxTestSuite) SetupTest() {
	s.inbox = NewMongoInbox(s.client, "approvalflow_inbox_test")
}

func (s *MongoInboxTestSuite) TestContract() {
	runInboxContract(s.T(), s.inbox)
}
