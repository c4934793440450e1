// Package coap provides a high-level API for building CoAP servers and clients.
//
// This package is the top-level facade that ties together the lower-level
// components (message codec, UDP transport, exchange layer and DNS-SD
// discovery) into one Endpoint.
//
// # Serving Resources
//
//	ep, err := coap.NewEndpoint(coap.EndpointConfig{Port: 5683})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ep.HandleFunc("/sensors/temp", func(r *exchange.Request) (*message.Message, error) {
//	    return coap.Content(message.TextPlain, []byte("21.5")), nil
//	}, coap.Link{ResourceTypes: []string{"temperature-c"}, Observable: true})
//
//	if err := ep.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Push a new representation to every observer.
//	ep.Notify("/sensors/temp")
//
// Registered resources are listed at /.well-known/core in CoRE Link Format.
//
// # Client Requests
//
//	peer, _ := transport.ResolvePeerAddress("192.0.2.10:5683")
//	resp, err := ep.Get(ctx, peer, "/sensors/temp")
//
//	obs, err := ep.Observe(ctx, peer, "/sensors/temp")
//	for n := range obs.Notifications() {
//	    fmt.Println(string(n.Payload))
//	}
//
// # Discovery
//
// With Advertise set the endpoint announces itself as "_coap._udp" over mDNS.
// Discover browses for other endpoints:
//
//	services, _ := ep.Discover(ctx, "temperature-c")
//	for svc := range services {
//	    peer, _ := svc.PeerAddress()
//	    ...
//	}
//
// # Testing
//
// Two endpoints can talk over an in-memory pipe:
//
//	server, client, _ := coap.TestEndpointPair()
package coap
