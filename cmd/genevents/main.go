package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/shopspring/decimal"

	"ordersync/internal/event"
	"ordersync/internal/model"
)

// record is one generated event destined for a topic.
type record struct {
	topic string
	key   string
	value []byte
}

func main() {
	var (
		items         int
		accounts      int
		churn         int
		seed          int64
		outDir        string
		bootstrap     string
		itemsTopic    string
		accountsTopic string
	)
	flag.IntVar(&items, "items", 50, "number of catalog items in the initial load")
	flag.IntVar(&accounts, "accounts", 20, "number of accounts in the initial load")
	flag.IntVar(&churn, "churn", 10, "number of update/delete events after the initial load")
	flag.Int64Var(&seed, "seed", time.Now().UnixNano(), "random seed")
	flag.StringVar(&outDir, "out", "./events", "output directory for JSONL files when not publishing")
	flag.StringVar(&bootstrap, "bootstrap", "", "kafka bootstrap servers; publish instead of writing files when set")
	flag.StringVar(&itemsTopic, "items-topic", "catalog.items", "catalog item events topic")
	flag.StringVar(&accountsTopic, "accounts-topic", "accounts.users", "account events topic")
	flag.Parse()

	recs, err := generate(rand.New(rand.NewSource(seed)), items, accounts, churn, itemsTopic, accountsTopic)
	if err != nil {
		log.Fatalf("generation failed: %v", err)
	}
	if bootstrap != "" {
		err = publish(bootstrap, recs)
	} else {
		err = writeFiles(outDir, recs)
	}
	if err != nil {
		log.Fatalf("genevents: %v", err)
	}
}

var (
	names      = []string{"Widget", "Gadget", "Sprocket", "Bolt", "Gizmo", "Flange"}
	categories = []string{"tools", "hardware", "garden", "toys"}
	brands     = []string{"Acme", "Globex", "Initech"}
	firstNames = []string{"Ada", "Grace", "Alan", "Edsger", "Barbara"}
)

func genItem(r *rand.Rand, id int64) model.Item {
	return model.Item{
		ID:         id,
		Name:       names[r.Intn(len(names))] + " " + strconv.FormatInt(id, 10),
		UnitPrice:  decimal.New(int64(99+r.Intn(9900)), -2), // 0.99-99.98
		StockLevel: r.Intn(200),
		Category:   categories[r.Intn(len(categories))],
		Brand:      brands[r.Intn(len(brands))],
		ImageURL:   fmt.Sprintf("https://img.example.com/items/%d.png", id),
	}
}

func genAccount(r *rand.Rand, id int64) model.Account {
	first := firstNames[r.Intn(len(firstNames))]
	return model.Account{
		ID:        id,
		Email:     fmt.Sprintf("user%d@example.com", id),
		FirstName: first,
		LastName:  "Tester",
		Address:   fmt.Sprintf("%d Main St", 1+r.Intn(999)),
	}
}

func generate(r *rand.Rand, items, accounts, churn int, itemsTopic, accountsTopic string) ([]record, error) {
	var recs []record
	add := func(topic string, id int64, t event.Type, payload any) error {
		b, err := event.Encode(id, t, payload)
		if err != nil {
			return fmt.Errorf("encode %s %d: %w", topic, id, err)
		}
		recs = append(recs, record{topic: topic, key: strconv.FormatInt(id, 10), value: b})
		return nil
	}
	for i := 1; i <= items; i++ {
		if err := add(itemsTopic, int64(i), event.InitialLoad, genItem(r, int64(i))); err != nil {
			return nil, err
		}
	}
	for i := 1; i <= accounts; i++ {
		if err := add(accountsTopic, int64(i), event.InitialLoad, genAccount(r, int64(i))); err != nil {
			return nil, err
		}
	}
	for i := 0; i < churn && items > 0; i++ {
		id := int64(1 + r.Intn(items))
		var err error
		switch r.Intn(4) {
		case 0:
			err = add(itemsTopic, id, event.Deleted, nil)
		case 1:
			err = add(itemsTopic, int64(items+i+1), event.Created, genItem(r, int64(items+i+1)))
		default:
			err = add(itemsTopic, id, event.Updated, genItem(r, id))
		}
		if err != nil {
			return nil, err
		}
	}
	return recs, nil
}

func writeFiles(dir string, recs []record) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	files := map[string]*bufio.Writer{}
	var closers []*os.File
	defer func() {
		for _, f := range closers {
			_ = f.Close()
		}
	}()
	for _, rec := range recs {
		w, ok := files[rec.topic]
		if !ok {
			f, err := os.Create(filepath.Join(dir, rec.topic+".jsonl"))
			if err != nil {
				return fmt.Errorf("create file: %w", err)
			}
			closers = append(closers, f)
			w = bufio.NewWriter(f)
			files[rec.topic] = w
		}
		if _, err := w.Write(append(rec.value, '\n')); err != nil {
			return fmt.Errorf("write %s: %w", rec.topic, err)
		}
	}
	for topic, w := range files {
		if err := w.Flush(); err != nil {
			return fmt.Errorf("flush %s: %w", topic, err)
		}
	}
	log.Printf("wrote %d events to %s", len(recs), dir)
	return nil
}

func publish(bootstrap string, recs []record) error {
	p, err := ck.NewProducer(&ck.ConfigMap{
		"bootstrap.servers":  bootstrap,
		"enable.idempotence": true,
		"acks":               "all",
	})
	if err != nil {
		return fmt.Errorf("producer: %w", err)
	}
	defer p.Close()

	for _, rec := range recs {
		topic := rec.topic
		if err := p.Produce(&ck.Message{
			TopicPartition: ck.TopicPartition{Topic: &topic, Partition: ck.PartitionAny},
			Key:            []byte(rec.key),
			Value:          rec.value,
		}, nil); err != nil {
			return fmt.Errorf("produce %s/%s: %w", topic, rec.key, err)
		}
	}
	if left := p.Flush(15000); left > 0 {
		return fmt.Errorf("%d events still undelivered after flush", left)
	}
	log.Printf("published %d events to %s", len(recs), bootstrap)
	return nil
}
