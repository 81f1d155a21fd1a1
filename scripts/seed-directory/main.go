// Command seed-directory loads doctors and patients into a running API
// through the admin directory endpoints.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/wolfman30/docfollow/internal/directory"
)

// SeedFile is the fixture layout: doctors first, then their patients.
type SeedFile struct {
	Doctors  []directory.Doctor  `json:"doctors"`
	Patients []directory.Patient `json:"patients"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./scripts/seed-directory <seed-file.json>")
		fmt.Println("Example: go run ./scripts/seed-directory scripts/seed-directory/sample.json")
		os.Exit(1)
	}
	_ = godotenv.Load()

	apiURL := strings.TrimRight(os.Getenv("API_URL"), "/")
	if apiURL == "" {
		apiURL = "http://localhost:8080"
	}
	token := strings.TrimSpace(os.Getenv("ADMIN_TOKEN"))
	if token == "" {
		fmt.Println("❌ ADMIN_TOKEN is required (a JWT signed with ADMIN_JWT_SECRET, audience docfollow-admin)")
		os.Exit(1)
	}

	data, err := os.ReadFile(os.Args[1])
	if err != nil {
		fmt.Printf("❌ Error reading file: %v\n", err)
		os.Exit(1)
	}
	var seed SeedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		fmt.Printf("❌ Error parsing JSON: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("🌱 Seeding directory at %s\n", apiURL)
	fmt.Printf("Doctors: %d, patients: %d\n\n", len(seed.Doctors), len(seed.Patients))

	ctx := context.Background()
	client := &http.Client{Timeout: 30 * time.Second}
	failed := 0
	for _, d := range seed.Doctors {
		if err := put(ctx, client, token, apiURL+"/admin/doctors/"+d.ID, d); err != nil {
			fmt.Printf("   ❌ doctor %s: %v\n", d.ID, err)
			failed++
			continue
		}
		fmt.Printf("   ✅ doctor %s\n", d.ID)
	}
	for _, p := range seed.Patients {
		if err := put(ctx, client, token, apiURL+"/admin/patients/"+p.ID, p); err != nil {
			fmt.Printf("   ❌ patient %s: %v\n", p.ID, err)
			failed++
			continue
		}
		fmt.Printf("   ✅ patient %s (doctor %s)\n", p.ID, p.DoctorID)
	}

	if failed > 0 {
		fmt.Printf("\n⚠️  %d record(s) failed\n", failed)
		os.Exit(1)
	}
	fmt.Printf("\n✅ Directory seeding complete!\n")
}

func put(ctx context.Context, client *http.Client, token, url string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
