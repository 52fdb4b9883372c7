package anilist

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/anibridge/anibridge/internal/testutil"
)

func TestLookupByIDMapsMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		vars := req["variables"].(map[string]any)
		if vars["id"] != float64(151807) {
			t.Errorf("id variable = %v", vars["id"])
		}
		w.Write([]byte(`{"data":{"Media":{
			"id":151807,"idMal":53421,
			"title":{"romaji":"SAKAMOTO DAYS","english":"Sakamoto Days","native":"サカモトデイズ"},
			"startDate":{"year":2025,"month":1,"day":11},
			"endDate":{"year":2025,"month":3,"day":22},
			"episodes":11,"seasonYear":2025,"season":"WINTER","format":"TV","status":"FINISHED"}}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testutil.NewTestLogger(t))
	media, err := c.LookupByID(context.Background(), 151807)
	if err != nil {
		t.Fatalf("LookupByID: %v", err)
	}
	if media.ID != 151807 || media.MALID != 53421 || media.Episodes != 11 {
		t.Errorf("media = %+v", media)
	}
	if media.StartDate.IsZero() || media.StartDate.Time().Format("2006-01-02") != "2025-01-11" {
		t.Errorf("start = %+v", media.StartDate)
	}
	if media.Airing {
		t.Error("finished media reported as airing")
	}
}

func TestLookupByIDNotFoundViaGraphQLError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"Media":null},"errors":[{"message":"Not Found.","status":404}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testutil.NewTestLogger(t))
	if _, err := c.LookupByID(context.Background(), 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSearchByTitleFollowsPages(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		vars := req["variables"].(map[string]any)
		if vars["search"] != "vinland saga" {
			t.Errorf("search variable = %v", vars["search"])
		}
		switch calls.Add(1) {
		case 1:
			w.Write([]byte(`{"data":{"Page":{"pageInfo":{"hasNextPage":true},
				"media":[{"id":1,"title":{"romaji":"Vinland Saga"},"status":"FINISHED"}]}}}`))
		default:
			w.Write([]byte(`{"data":{"Page":{"pageInfo":{"hasNextPage":false},
				"media":[{"id":2,"title":{"romaji":"Vinland Saga Season 2"},"status":"RELEASING"}]}}}`))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testutil.NewTestLogger(t))
	results, err := c.SearchByTitle(context.Background(), "vinland saga")
	if err != nil {
		t.Fatalf("SearchByTitle: %v", err)
	}
	if len(results) != 2 || results[0].ID != 1 || results[1].ID != 2 {
		t.Errorf("results = %+v", results)
	}
	if !results[1].Airing {
		t.Error("RELEASING media should report airing")
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestRateLimitRetriedOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"data":{"Media":{"id":5,"title":{"romaji":"Frieren"}}}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testutil.NewTestLogger(t))
	media, err := c.LookupByID(context.Background(), 5)
	if err != nil || media.ID != 5 {
		t.Fatalf("LookupByID = %+v, %v", media, err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}
