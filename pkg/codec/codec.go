// Package codec provides encoding and decoding helpers actions use to read
// request bodies and write responses. Codecs are handler-side conveniences:
// the routing pipeline itself never parses or negotiates bodies.
package codec

import "net/http"

// Codec marshals responses and unmarshals requests for a pair of data types.
// T represents the request data type and U the response data type.
type Codec[T any, U any] interface {
	// Decode extracts and deserializes data from an HTTP request into a
	// value of type T.
	Decode(r *http.Request) (T, error)

	// Encode serializes a value of type U and writes it to the HTTP
	// response, setting the appropriate Content-Type.
	Encode(w http.ResponseWriter, resp U) error
}
