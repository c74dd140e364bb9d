package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"fraudstream/internal/model"
)

func main() {
	var (
		count      int
		customers  int
		outputFile string
		bootstrap  string
		topic      string
		spacingSec int
	)
	flag.IntVar(&count, "count", 100, "number of orders to generate")
	flag.IntVar(&customers, "customers", 5, "number of distinct customers")
	flag.StringVar(&outputFile, "output", "orders.jsonl", "output file (ignored when -bootstrap is set)")
	flag.StringVar(&bootstrap, "bootstrap", "", "kafka bootstrap servers; when set, produce to the orders topic")
	flag.StringVar(&topic, "topic", "orders", "orders topic")
	flag.IntVar(&spacingSec, "spacing", 10, "seconds between consecutive orders")
	flag.Parse()

	orders := generate(count, customers, spacingSec)
	var err error
	if bootstrap != "" {
		err = produce(bootstrap, topic, orders)
	} else {
		err = writeFile(outputFile, orders)
	}
	if err != nil {
		log.Fatalf("generation failed: %v", err)
	}
}

type timedOrder struct {
	order model.Order
	ts    time.Time
}

func generate(count, customers, spacingSec int) []timedOrder {
	base := time.Now().UTC().Add(-time.Duration(count*spacingSec) * time.Second)
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))

	out := make([]timedOrder, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, timedOrder{
			order: model.Order{
				ID:         uuid.NewString(),
				CustomerID: int64(1 + rnd.Intn(customers)),
				State:      model.OrderCreated,
				Quantity:   int64(1 + rnd.Intn(5)),
				Price:      float64(100 + rnd.Intn(900)),
			},
			ts: base.Add(time.Duration(i*spacingSec) * time.Second),
		})
	}
	return out
}

func writeFile(path string, orders []timedOrder) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	for i, o := range orders {
		if err := enc.Encode(&o.order); err != nil {
			return fmt.Errorf("encode order %d: %w", i+1, err)
		}
	}
	log.Printf("generated %d orders to %s", len(orders), path)
	return nil
}

func produce(bootstrap, topic string, orders []timedOrder) error {
	w := &kafka.Writer{
		Addr:         kafka.TCP(bootstrap),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	defer w.Close()

	msgs := make([]kafka.Message, 0, len(orders))
	for _, o := range orders {
		b, err := json.Marshal(&o.order)
		if err != nil {
			return fmt.Errorf("marshal order %s: %w", o.order.ID, err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(o.order.ID), Value: b, Time: o.ts})
	}
	if err := w.WriteMessages(context.Background(), msgs...); err != nil {
		return fmt.Errorf("write messages: %w", err)
	}
	log.Printf("produced %d orders to %s", len(orders), topic)
	return nil
}
