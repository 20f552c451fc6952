package sweep

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pheezz/wireguard-bot/internal/lifecycle"
	"github.com/pheezz/wireguard-bot/types"
)

// Sweep periodically scans the ledger for subscriptions that elapsed since
// the last pass and hands each one to the engine: soft disconnect plus a
// single notification. An unreachable recipient during the notification is
// banned by the engine like any other.
type Sweep struct {
	ledger   types.Ledger
	engine   *lifecycle.Engine
	interval time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func New(ledger types.Ledger, engine *lifecycle.Engine, interval time.Duration) *Sweep {
	if interval <= 0 {
		interval = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweep{
		ledger:   ledger,
		engine:   engine,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Sweep) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	log.Printf("Expiry sweep started, interval %s", s.interval)
	s.wg.Add(1)
	go s.loop()
}

func (s *Sweep) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	log.Println("Stopping expiry sweep...")
	s.cancel()
	s.wg.Wait()
	log.Println("Expiry sweep stopped")
}

func (s *Sweep) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runOnce()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runOnce()
		}
	}
}

func (s *Sweep) runOnce() {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Minute)
	defer cancel()

	users, err := s.ledger.ListNewlyExpired(ctx)
	if err != nil {
		log.Printf("Sweep: listing expired users: %v", err)
		return
	}
	if len(users) == 0 {
		return
	}

	log.Printf("Sweep: %d newly expired users", len(users))
	for _, user := range users {
		if ctx.Err() != nil {
			return
		}
		if err := s.engine.ExpireUser(ctx, user); err != nil {
			log.Printf("Sweep: user %d: %v", user.UserID, err)
		}
	}
}
