package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"ClaudeBrain/sdk/go/claudebrain"
)

func main() {
	baseURL := os.Getenv("CLAUDEBRAIN_URL")
	if baseURL == "" {
		baseURL = "http://localhost:3000"
	}

	client, err := claudebrain.NewClient(baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("backend %s (version=%s, claudeReady=%v)\n", health.Status, health.Version, health.ClaudeReady)

	price, err := client.SOLPrice(ctx)
	if err != nil {
		log.Printf("price unavailable: %v", err)
	} else {
		fmt.Printf("SOL = $%s\n", price.StringFixed(2))
	}

	var walletCtx *claudebrain.GenerateContext
	if wallet := os.Getenv("CLAUDEBRAIN_WALLET"); wallet != "" {
		walletCtx = &claudebrain.GenerateContext{Wallet: wallet}
	}
	resp, err := client.Generate(ctx, claudebrain.GenerateRequest{
		Message: "Show me how to transfer SPL tokens with Web3.js 2.0",
		Context: walletCtx,
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("[%s #%d] %s\n", resp.Context.Model, resp.Context.RequestCount, resp.Response)
}
