// Command verify_api smoke-tests a running API: login, channel lookup,
// publish and history.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
)

type LoginResponse struct {
	Token string `json:"token"`
}

func main() {
	apiAddr := os.Getenv("CHAT_API_URL")
	if apiAddr == "" {
		apiAddr = "http://localhost:8081"
	}
	channelID := "general"

	// 1. Login
	reqBody, _ := json.Marshal(map[string]string{"user_id": "test_user"})
	resp, err := http.Post(apiAddr+"/login", "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		log.Fatal(err)
	}
	var loginResp LoginResponse
	err = json.NewDecoder(resp.Body).Decode(&loginResp)
	resp.Body.Close()
	if err != nil || len(loginResp.Token) < 10 {
		log.Fatalf("Login failed: %v", err)
	}
	fmt.Printf("Token: %s...\n", loginResp.Token[:10])

	// 2. Channel
	call(http.MethodGet, apiAddr+"/api/channels/"+channelID, loginResp.Token, nil, http.StatusOK)

	// 3. Publish
	msg, _ := json.Marshal(map[string]string{"content": "verify_api says hi"})
	call(http.MethodPost, apiAddr+"/api/channels/"+channelID+"/messages", loginResp.Token, msg, http.StatusCreated)

	// 4. History
	body := call(http.MethodGet, apiAddr+"/api/channels/"+channelID+"/messages?limit=5", loginResp.Token, nil, http.StatusOK)
	log.Printf("History: %s", body)
}

func call(method, url, token string, body []byte, want int) []byte {
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		log.Fatal(err)
	}
	req.Header.Add("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		log.Fatalf("%s %s: status %d, want %d: %s", method, url, resp.StatusCode, want, out)
	}
	return out
}
