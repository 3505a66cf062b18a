package main

import (
	"errors"
	"net/http"

	bf "github.com/codingWhat/redisbloom/bloom_filter"
	"github.com/codingWhat/redisbloom/conf"
	"github.com/gin-gonic/gin"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

type server struct {
	reg      *bf.Registry[string]
	config   *conf.Config
	registry metrics.Registry
}

func newServer(reg *bf.Registry[string], config *conf.Config, registry metrics.Registry) *server {
	return &server{reg: reg, config: config, registry: registry}
}

type putRequest struct {
	Members            []string `json:"members" binding:"required"`
	ExpectedInsertions int64    `json:"expected_insertions"`
	FPP                float64  `json:"fpp"`
}

type membersRequest struct {
	Members []string `json:"members"`
}

type namesRequest struct {
	Names []string `json:"names" binding:"required"`
}

func (s *server) listFilters(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"filters": s.reg.Names()})
}

func (s *server) describeFilter(c *gin.Context) {
	d, ok := s.reg.Descriptor(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "filter not found"})
		return
	}
	c.JSON(http.StatusOK, d)
}

// putMembers sizes a new filter from the request, falling back to the
// declared filter properties.
func (s *server) putMembers(c *gin.Context) {
	name := c.Param("name")
	var req putRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ExpectedInsertions == 0 && req.FPP == 0 {
		if f, ok := s.config.Lookup(name); ok {
			req.ExpectedInsertions, req.FPP = f.ExpectedInsertions, f.FPP
		} else if d, ok := s.reg.Descriptor(name); ok {
			req.ExpectedInsertions, req.FPP = d.ExpectedInsertions, d.FPP
		}
	}
	if err := s.reg.PutAll(c.Request.Context(), name, req.ExpectedInsertions, req.FPP, req.Members); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": len(req.Members)})
}

func (s *server) containsMember(c *gin.Context) {
	ok, err := s.reg.MightContain(c.Request.Context(), c.Param("name"), c.Param("member"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exists": ok})
}

func (s *server) containsMembers(c *gin.Context) {
	var req membersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	results, err := s.reg.MightContainAll(c.Request.Context(), c.Param("name"), req.Members)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *server) resetFilter(c *gin.Context) {
	if err := s.reg.Reset(c.Request.Context(), c.Param("name")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) removeFilter(c *gin.Context) {
	if err := s.reg.Remove(c.Request.Context(), c.Param("name")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) removeFilters(c *gin.Context) {
	var req namesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.reg.RemoveAll(c.Request.Context(), req.Names); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) metrics(c *gin.Context) {
	c.Header("Content-Type", "application/json")
	c.Status(http.StatusOK)
	metrics.WriteJSONOnce(s.registry, c.Writer)
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, bf.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, bf.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status != http.StatusBadRequest {
		logrus.WithError(err).WithField("path", c.FullPath()).Warn("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
