package order_test

import (
	"context"
	"testing"

	"ordersync/internal/consumer"
	"ordersync/internal/model"
	"ordersync/internal/order"
	"ordersync/internal/replica"
	"ordersync/internal/validation"
)

func TestAssemble_FromReplicatedInitialLoad(t *testing.T) {
	items := replica.NewMemory[int64, model.Item]()
	accounts := replica.NewMemoryAccounts()
	if err := accounts.Upsert(1, model.Account{ID: 1, Email: "ada@example.com"}); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	lane := consumer.NewLane[model.Item](consumer.LaneConfig{Entity: "items", Topic: "catalog.items"}, items, consumer.DecodeItem)
	ev := []byte(`{"id":5,"eventType":"INITIAL_LOAD","payload":{"name":"Widget","unitPrice":9.99,"stockLevel":100}}`)
	if err := lane.Handle(context.Background(), consumer.Message{Topic: "catalog.items", Value: ev}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	draft := model.DraftOrder{Lines: []model.DraftLine{{ItemID: 5, Quantity: 2}}}
	out, err := validation.NewEngine(items, accounts, validation.Config{}).Validate(context.Background(), draft, model.Identity{AccountID: 1})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !out.Valid || len(out.Items) != 1 || out.Items[0].Name != "Widget" {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	o, err := order.Assemble(draft, out)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if got := o.Lines[0].Subtotal.StringFixed(2); got != "19.98" {
		t.Fatalf("subtotal=%s want 19.98", got)
	}
	if got := o.Total().StringFixed(2); got != "19.98" {
		t.Fatalf("total=%s want 19.98", got)
	}
}
