// Package restapi surfaces the indexer over HTTP: the trigger endpoint that
// runs one reindex cycle, the priority reindex request endpoint, and the
// current cycle state.
package restapi

import (
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	jwtverifier "github.com/okta/okta-jwt-verifier-golang"

	"github.com/datakeep/searchsync"
	"github.com/datakeep/searchsync/indexer"
	"github.com/datakeep/searchsync/state"
)

// Server wires the HTTP layer to the cycle controller and state store.
type Server struct {
	indexer *indexer.Indexer
	state   *state.Store
}

// NewServer returns a Server over the given controller and state store.
func NewServer(idx *indexer.Indexer, st *state.Store) *Server {
	return &Server{indexer: idx, state: st}
}

// Router builds the gin engine with all endpoints registered.
func (s *Server) Router() *gin.Engine {
	// Simple closure for header token verification.
	verifyHeaderToken := func(realHandler func(c *gin.Context)) func(c *gin.Context) {
		return func(c *gin.Context) {
			if verify(c) {
				realHandler(c)
			}
		}
	}

	router := gin.Default()
	router.POST("/index", verifyHeaderToken(s.Index))
	router.POST("/reindex", verifyHeaderToken(s.Reindex))
	router.GET("/indexing", verifyHeaderToken(s.Indexing))
	return router
}

// Run blocks serving the REST API on addr until the process is signaled to
// stop.
func (s *Server) Run(addr string) error {
	return s.Router().Run(addr)
}

// Index runs one reindex cycle. No body streaming; the request blocks for
// the cycle duration and responds with the final cycle state.
func (s *Server) Index(c *gin.Context) {
	var req indexer.TriggerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.IndentedJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
			return
		}
	}

	st, err := s.indexer.RunCycle(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if searchsync.CodeOf(err) == searchsync.AlreadyIndexing {
			status = http.StatusConflict
		}
		c.IndentedJSON(status, gin.H{"message": err.Error(), "state": st})
		return
	}
	c.IndentedJSON(http.StatusOK, st)
}

// Reindex registers a priority request; the next cycle drains it.
func (s *Server) Reindex(c *gin.Context) {
	var req state.PriorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.IndentedJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	for _, u := range req.UUIDs {
		if !searchsync.IsValidUID(u) {
			c.IndentedJSON(http.StatusBadRequest, gin.H{"message": "invalid uuid: " + string(u)})
			return
		}
	}
	if err := s.state.RequestReindex(c.Request.Context(), req); err != nil {
		c.IndentedJSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	c.IndentedJSON(http.StatusAccepted, gin.H{"uuids": len(req.UUIDs), "types": req.Types})
}

// Indexing returns the current persisted cycle state.
func (s *Server) Indexing(c *gin.Context) {
	st, found, err := s.state.Load(c.Request.Context())
	if err != nil {
		c.IndentedJSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	if !found {
		c.IndentedJSON(http.StatusNotFound, gin.H{"message": "no cycle has run yet"})
		return
	}
	c.IndentedJSON(http.StatusOK, st)
}

var toValidate = map[string]string{
	"aud": "api://default",
	"cid": os.Getenv("OKTA_CLIENT_ID"),
}

// verify checks the bearer token in the header.
func verify(c *gin.Context) bool {
	// Allow easy debugging on dev.
	if os.Getenv("SEARCHSYNC_ENV") == "DEV" {
		return true
	}

	token := c.Request.Header.Get("Authorization")
	if !strings.HasPrefix(token, "Bearer ") {
		c.String(http.StatusUnauthorized, "Unauthorized")
		return false
	}
	token = strings.TrimPrefix(token, "Bearer ")

	// Allow easy QA, bypass OAuth2 token verification w/ simple token equality check.
	if os.Getenv("SEARCHSYNC_ENV") == "QA" {
		if token == os.Getenv("SEARCHSYNC_QA_TOKEN") {
			return true
		}
	}

	verifierSetup := jwtverifier.JwtVerifier{
		Issuer:           "https://" + os.Getenv("OKTA_DOMAIN") + "/oauth2/default",
		ClaimsToValidate: toValidate,
	}
	verifier := verifierSetup.New()
	if _, err := verifier.VerifyAccessToken(token); err != nil {
		c.String(http.StatusForbidden, err.Error())
		return false
	}
	return true
}
