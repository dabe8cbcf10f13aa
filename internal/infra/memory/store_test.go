package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dvloznov/transit-tracker/internal/domain"
)

func TestInsertIfAbsent_Uniqueness(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	tx := &domain.Transaction{UserID: "u1", CardID: "c1", Fingerprint: "abc"}
	if ok, err := s.InsertIfAbsent(ctx, tx); err != nil || !ok {
		t.Fatalf("first insert = %v, %v", ok, err)
	}
	if ok, err := s.InsertIfAbsent(ctx, tx); err != nil || ok {
		t.Fatalf("second insert = %v, %v; want false, nil", ok, err)
	}

	// Same fingerprint for a different user is a different row.
	other := &domain.Transaction{UserID: "u2", CardID: "c9", Fingerprint: "abc"}
	if ok, _ := s.InsertIfAbsent(ctx, other); !ok {
		t.Error("fingerprint should be scoped per user")
	}

	if got := len(s.Transactions("u1")); got != 1 {
		t.Errorf("u1 has %d transactions, want 1", got)
	}
}

func TestInsertIfAbsent_Concurrent(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.InsertIfAbsent(ctx, &domain.Transaction{UserID: "u1", Fingerprint: "same"})
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if inserted != 1 {
		t.Errorf("inserted %d times, want exactly 1", inserted)
	}
}

func TestInsertIfAbsent_RequiresKey(t *testing.T) {
	if _, err := NewStore().InsertIfAbsent(context.Background(), &domain.Transaction{UserID: "u1"}); err == nil {
		t.Error("expected error for missing fingerprint")
	}
}

func TestCardsAndCredentials(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	card := &domain.Card{UserID: "u1", Serial: "1202345678", Nickname: "Commute"}
	if err := s.CreateCard(ctx, card); err != nil {
		t.Fatalf("CreateCard: %v", err)
	}
	if card.CardID == "" {
		t.Fatal("CreateCard should assign a card id")
	}
	if err := s.CreateCard(ctx, &domain.Card{UserID: "u1", Serial: "1202345678"}); !errors.Is(err, domain.ErrCardExists) {
		t.Errorf("duplicate serial = %v, want ErrCardExists", err)
	}
	if err := s.CreateCard(ctx, &domain.Card{UserID: "u2", Serial: "5550000000"}); err != nil {
		t.Fatalf("CreateCard u2: %v", err)
	}

	if got, _ := s.GetCredential(ctx, card.CardID); got != nil {
		t.Errorf("credential before linking = %v, want nil", got)
	}
	if err := s.PutCredential(ctx, "u1", card.CardID, []byte("v1")); err != nil {
		t.Fatalf("PutCredential: %v", err)
	}
	if err := s.PutCredential(ctx, "u1", card.CardID, []byte("v2")); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if got, _ := s.GetCredential(ctx, card.CardID); string(got) != "v2" {
		t.Errorf("credential = %q, want v2", got)
	}
	if err := s.PutCredential(ctx, "u2", card.CardID, []byte("x")); !errors.Is(err, ErrNotFound) {
		t.Errorf("PutCredential for another user's card = %v, want ErrNotFound", err)
	}

	cards, _ := s.ListCards(ctx, []string{"u1"})
	if len(cards) != 1 || cards[0].Serial != "1202345678" {
		t.Errorf("ListCards(u1) = %+v", cards)
	}
	all, _ := s.ListCards(ctx, nil)
	if len(all) != 2 {
		t.Errorf("ListCards(nil) returned %d cards, want 2", len(all))
	}

	if err := s.DeleteCard(ctx, card.CardID); err != nil {
		t.Fatalf("DeleteCard: %v", err)
	}
	if got, _ := s.GetCredential(ctx, card.CardID); got != nil {
		t.Error("credential should be deleted with the card")
	}
	if err := s.DeleteCard(ctx, card.CardID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteCard = %v, want ErrNotFound", err)
	}
}
