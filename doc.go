// Package aip is an OAuth 2.0 authorization server for decentralized
// identity (ATProto) accounts. The root package is the HTTP surface: it
// wires the protocol engine in server/ to net/http, with storage backends
// under storage/ and ambient security features under security/.
//
// Typical embedding:
//
//	store := memory.New()
//	srv, err := server.New(store, store, store, store, &server.Config{
//		Issuer: "https://aip.example.com",
//	}, logger)
//	if err != nil {
//		return err
//	}
//	handler := aip.NewHandler(srv, logger)
//	mux := http.NewServeMux()
//	handler.RegisterHandlers(mux)
package aip
