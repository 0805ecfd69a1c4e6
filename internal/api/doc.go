// Package api provides the REST client for the polls service.
//
// Endpoints:
//   - GET/POST /polls/, GET/DELETE /polls/{id}
//   - POST /polls/{id}/votes, GET /polls/{id}/votes/{user_id}
//   - POST /polls/{id}/likes, GET /polls/{id}/likes/{user_id}
//
// Reads are retried with jittered exponential backoff on 5xx and 429.
// Mutations are sent once.
package api
