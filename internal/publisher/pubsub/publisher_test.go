package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/finresearch-crawler/internal/publisher"
)

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestPublishSendsJSON(t *testing.T) {
	t.Parallel()

	client, srv := newTestClient(t)
	ctx := context.Background()
	_, err := client.CreateTopic(ctx, "crawl-events")
	require.NoError(t, err)

	pub, err := New(client, "crawl-events")
	require.NoError(t, err)
	defer pub.Close()

	event := publisher.CrawlEvent{
		RunID:      "run-1",
		URL:        "https://example.com/pe",
		IDs:        []string{"doc_a", "doc_b"},
		Count:      2,
		FinishedAt: time.Unix(1700000000, 0).UTC(),
	}
	id, err := pub.Publish(ctx, "", event)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got publisher.CrawlEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, event, got)
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "t")
	require.Error(t, err)

	client, _ := newTestClient(t)
	pub, err := New(client, "")
	require.NoError(t, err)
	defer pub.Close()

	_, err = pub.Publish(context.Background(), "", "payload")
	require.ErrorContains(t, err, "pubsub.topic")

	_, err = pub.Publish(context.Background(), "missing-topic", "payload")
	require.Error(t, err, "publishing to a topic that does not exist fails")

	_, err = pub.Publish(context.Background(), "crawl-events", func() {})
	require.ErrorContains(t, err, "marshal payload")
}
