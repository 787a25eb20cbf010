package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestConsumerProcessRecordsBlocksPartitionOnFailure(t *testing.T) {
	logger := logrus.New()
	consumer := &Consumer{
		logger:   logger,
		handlers: make(map[string]Handler),
	}

	var handled []string
	consumer.handlers["usage-reports"] = func(_ context.Context, msg Message) error {
		handled = append(handled, recordKey(msg.Topic, msg.Partition, msg.Offset))
		if msg.Partition == 0 && msg.Offset == 1 {
			return errors.New("handler failure")
		}
		return nil
	}

	records := []*kgo.Record{
		{Topic: "usage-reports", Partition: 0, Offset: 0},
		{Topic: "usage-reports", Partition: 0, Offset: 1},
		{Topic: "usage-reports", Partition: 0, Offset: 2},
		{Topic: "usage-reports", Partition: 1, Offset: 0},
		{Topic: "usage-reports", Partition: 1, Offset: 1},
	}

	commitRecords := consumer.processRecords(context.Background(), records)

	// Offset 2 on partition 0 must not be handled once offset 1 failed.
	sort.Strings(handled)
	expectedHandled := []string{
		recordKey("usage-reports", 0, 0),
		recordKey("usage-reports", 0, 1),
		recordKey("usage-reports", 1, 0),
		recordKey("usage-reports", 1, 1),
	}
	sort.Strings(expectedHandled)
	if fmt.Sprint(handled) != fmt.Sprint(expectedHandled) {
		t.Fatalf("handled records = %v, want %v", handled, expectedHandled)
	}

	commitKeys := make([]string, 0, len(commitRecords))
	for _, record := range commitRecords {
		commitKeys = append(commitKeys, recordKey(record.Topic, record.Partition, record.Offset))
	}
	sort.Strings(commitKeys)

	expectedCommitKeys := []string{
		recordKey("usage-reports", 0, 0),
		recordKey("usage-reports", 1, 1),
	}
	sort.Strings(expectedCommitKeys)
	if fmt.Sprint(commitKeys) != fmt.Sprint(expectedCommitKeys) {
		t.Fatalf("commit records = %v, want %v", commitKeys, expectedCommitKeys)
	}
}

func TestConsumerProcessRecordsCommitsUnhandledTopics(t *testing.T) {
	consumer := &Consumer{
		logger:   logrus.New(),
		handlers: make(map[string]Handler),
	}

	records := []*kgo.Record{
		{Topic: "unknown-topic", Partition: 0, Offset: 7},
	}

	commitRecords := consumer.processRecords(context.Background(), records)
	if len(commitRecords) != 1 || commitRecords[0].Offset != 7 {
		t.Fatalf("expected unhandled topic record to be committed, got %v", commitRecords)
	}
}

func recordKey(topic string, partition int32, offset int64) string {
	return fmt.Sprintf("%s:%d:%d", topic, partition, offset)
}
