package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"AegisVault/sdk/go/aegis"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/accounts", func(w http.ResponseWriter, r *http.Request) {
		var req aegis.AccountRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.PredictOnly {
			_ = json.NewEncoder(w).Encode(aegis.AccountResponse{
				Address: "0x00000000000000000000000000000000000000Aa",
			})
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(aegis.AccountResponse{
			Address: "0x00000000000000000000000000000000000000Aa",
			Created: true,
		})
	})
	mux.HandleFunc("/api/v1/operations", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(aegis.Operation{
			ID:        "op-demo",
			Status:    "pending",
			CreatedAt: time.Now().Unix(),
		})
	})
	mux.HandleFunc("/api/v1/operations/op-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(aegis.Operation{
			ID:     "op-demo",
			Status: "succeeded",
			Result: &aegis.ExecutionRecord{
				Validation: "0",
				Outcomes:   []aegis.Outcome{{Success: true}},
			},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := aegis.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	predicted, err := client.PredictAddress(ctx, "0x00000000000000000000000000000000000000ee", "0x01")
	if err != nil {
		panic(err)
	}
	fmt.Printf("predicted account address %s\n", predicted)

	created, err := client.CreateAccount(ctx, aegis.AccountRequest{
		Owner:     "0x00000000000000000000000000000000000000ee",
		Salt:      "0x01",
		Validator: "0x0000000000000000000000000000000000001001",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("created account %s\n", created.Address)

	op, err := client.SubmitOperation(ctx, aegis.OperationSubmission{
		Account:   created.Address,
		Nonce:     0,
		Mode:      "0x0000",
		Batch:     []aegis.BatchItem{{Target: "0x00000000000000000000000000000000000000bb", Value: "100"}},
		Signature: "0x",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted operation %s (status=%s)\n", op.ID, op.Status)

	final, err := client.WaitOperation(ctx, op.ID, 50*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("operation %s finished with status=%s\n", final.ID, final.Status)
}
