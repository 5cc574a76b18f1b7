package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"OpenMech-Chain/sdk/go/openmech"
)

// 演示通过 SDK 走完一笔交易的完整生命周期。
func main() {
	baseURL := os.Getenv("OPENMECH_API")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	client, err := openmech.NewClient(baseURL, nil)
	if err != nil {
		log.Fatalf("create client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	id, err := client.CreateTransaction(ctx, openmech.CreateTransaction{
		OwnerAddress:     "0x1234567890abcdef1234567890abcdef12345678",
		Prompt:           "Where can I earn the best APY on USDC?",
		SelectedServices: []openmech.Service{{ID: "1722", Cost: 15}, {ID: "1999", Cost: 10}},
		TotalCost:        25,
	})
	if err != nil {
		log.Fatalf("create transaction: %v", err)
	}
	if _, err := client.SubmitRequest(ctx, id); err != nil {
		log.Fatalf("submit request: %v", err)
	}
	if _, err := client.ExecutePayment(ctx, id, openmech.Payment{}); err != nil {
		log.Fatalf("payment: %v", err)
	}
	ticket, err := client.StartExecution(ctx, id, openmech.Execution{})
	if err != nil {
		log.Fatalf("start execution: %v", err)
	}

	for {
		status, err := client.GetStatus(ctx, id, ticket.RequestID)
		if err != nil {
			log.Fatalf("poll status: %v", err)
		}
		fmt.Printf("status=%s progress=%d%%\n", status.Status, status.Progress)
		if status.Status == "completed" || status.Status == "error" {
			break
		}
		time.Sleep(2 * time.Second)
	}

	result, err := client.VerifyResults(ctx, id, openmech.Verification{RequestID: ticket.RequestID})
	if err != nil {
		log.Fatalf("verify: %v", err)
	}
	for _, block := range result.Content {
		fmt.Println(block.Text)
	}
}
