// Command simulate fires concurrent booking requests at one
// (doctor, date, time) triple to demonstrate that exactly one attempt wins
// and the rest see slot_conflict (or slot_being_booked from the lock).
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinichub/clinic-scheduling/internal/db"
)

type simConfig struct {
	APIBaseURL  string
	Workers     int
	DoctorID    uuid.UUID
	Date        string
	Time        string
	PostgresDSN string
}

func loadSimConfig() (simConfig, error) {
	cfg := simConfig{
		APIBaseURL:  getEnv("API_BASE_URL", "http://127.0.0.1:8080"),
		Workers:     getEnvInt("SIM_WORKERS", 20),
		Date:        getEnv("SIM_DATE", time.Now().AddDate(0, 0, 1).Format("2006-01-02")),
		Time:        getEnv("SIM_TIME", "09:00"),
		PostgresDSN: os.Getenv("POSTGRES_DSN"),
	}
	if cfg.PostgresDSN == "" {
		return cfg, fmt.Errorf("POSTGRES_DSN is required")
	}
	if raw := os.Getenv("SIM_DOCTOR_ID"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return cfg, fmt.Errorf("invalid SIM_DOCTOR_ID: %w", err)
		}
		cfg.DoctorID = id
	}
	return cfg, nil
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := loadSimConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	if cfg.DoctorID == uuid.Nil {
		err := pool.QueryRow(ctx, `SELECT id FROM doctors WHERE active ORDER BY random() LIMIT 1`).Scan(&cfg.DoctorID)
		if err != nil {
			log.Fatalf("pick doctor: %v", err)
		}
	}

	userIDs, err := pickPatientUsers(ctx, pool, cfg.Workers)
	if err != nil {
		log.Fatalf("pick patient users: %v", err)
	}

	log.Printf("firing %d concurrent bookings at doctor=%s date=%s time=%s",
		cfg.Workers, cfg.DoctorID, cfg.Date, cfg.Time)

	var success, conflict, retryable, other int64
	var wg sync.WaitGroup
	client := &http.Client{Timeout: 10 * time.Second}

	for i := 0; i < cfg.Workers; i++ {
		userID := userIDs[i%len(userIDs)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			code := bookOnce(client, cfg, userID)
			switch code {
			case "ok":
				atomic.AddInt64(&success, 1)
			case "slot_conflict":
				atomic.AddInt64(&conflict, 1)
			case "slot_being_booked":
				atomic.AddInt64(&retryable, 1)
			default:
				atomic.AddInt64(&other, 1)
			}
		}()
	}
	wg.Wait()

	log.Printf("done: success=%d conflict=%d lock_busy=%d other=%d",
		success, conflict, retryable, other)
	if success != 1 {
		log.Printf("WARNING: expected exactly one success, got %d", success)
	}
}

func bookOnce(client *http.Client, cfg simConfig, userID uuid.UUID) string {
	body, _ := json.Marshal(map[string]string{
		"doctor_id": cfg.DoctorID.String(),
		"date":      cfg.Date,
		"time":      cfg.Time,
		"notes":     "simulated booking",
	})

	req, err := http.NewRequest(http.MethodPost, cfg.APIBaseURL+"/appointments", bytes.NewReader(body))
	if err != nil {
		return "error"
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", userID.String())

	resp, err := client.Do(req)
	if err != nil {
		return "error"
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusCreated {
		return "ok"
	}

	var errResp struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(raw, &errResp) == nil && errResp.Error != "" {
		return errResp.Error
	}
	return "error"
}

func pickPatientUsers(ctx context.Context, pool *pgxpool.Pool, n int) ([]uuid.UUID, error) {
	rows, err := pool.Query(ctx, `
		SELECT u.id
		FROM users u
		JOIN user_roles r ON r.user_id = u.id AND r.role = 'patient'
		ORDER BY random()
		LIMIT $1
	`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no patient users found, run cmd/seed first")
	}
	return ids, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
