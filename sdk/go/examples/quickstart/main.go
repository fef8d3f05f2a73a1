package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"HiveMind-Copilot/sdk/go/hivemind"
)

func main() {
	baseURL := os.Getenv("HIVEMIND_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	client, err := hivemind.NewClient(baseURL, hivemind.WithAPIKey(os.Getenv("HIVEMIND_API_KEY")))
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		log.Fatalf("health: %v", err)
	}
	fmt.Printf("server %s, providers %v\n", health.Status, health.Providers)

	resp, err := client.Audit(ctx, "pragma solidity ^0.8.0; contract Vault { function kill() public { selfdestruct(payable(msg.sender)); } }", nil)
	if err != nil {
		log.Fatalf("audit: %v", err)
	}
	fmt.Printf("audit %s (confidence %.2f): %s\n", resp.State, resp.Result.Confidence, resp.Result.Summary)
	for _, w := range resp.Warnings {
		fmt.Printf("  warning %s/%s: %s\n", w.Step, w.Code, w.Message)
	}

	session, err := client.OpenCollaboration(ctx, hivemind.CollaborationRequest{
		Code: "pragma solidity ^0.8.0; contract Wallet { address owner; function pay() public { require(tx.origin == owner); } }",
	})
	if err != nil {
		log.Fatalf("collaborate: %v", err)
	}
	time.Sleep(time.Second)
	if polled, err := client.PollCollaboration(ctx, session.Session.ID); err == nil {
		fmt.Printf("peer review %s: %s\n", polled.Status, polled.Payload)
	}

	submitted, err := client.SubmitTask(ctx, hivemind.TaskSubmission{Kind: hivemind.KindDocs, Payload: "how do events work"})
	if err != nil {
		log.Fatalf("submit: %v", err)
	}
	done, err := client.WaitTask(ctx, submitted.ID, time.Second)
	if err != nil {
		log.Fatalf("wait: %v", err)
	}
	fmt.Printf("task %s finished as %s\n", done.ID, done.Status)
}
