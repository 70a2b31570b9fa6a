package vecdb_test

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/hupe1980/vecdb"
	"github.com/hupe1980/vecdb/metadata"
)

// Example demonstrates creating a collection, inserting vectors and searching.
func Example() {
	dir, err := os.MkdirTemp("", "vecdb-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir) // Cleanup after example

	db, err := vecdb.Open(dir)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.CreateCollection(ctx, "points", 2, vecdb.MetricL2); err != nil {
		log.Fatal(err)
	}

	for i, v := range [][]float32{{0, 0}, {1, 1}, {5, 5}} {
		md := metadata.Document{"name": metadata.String(fmt.Sprintf("p%d", i))}
		if _, err := db.Insert(ctx, "points", v, md); err != nil {
			log.Fatal(err)
		}
	}

	res, err := db.Search(ctx, "points", []float32{0.9, 0.9}, 2)
	if err != nil {
		log.Fatal(err)
	}
	for _, h := range res.Hits {
		name, _ := h.Metadata["name"].AsString()
		fmt.Println(h.ID, name)
	}
	// Output:
	// 2 p1
	// 1 p0
}

// Example_filter demonstrates a metadata-filtered query with the fluent builder.
func Example_filter() {
	dir, err := os.MkdirTemp("", "vecdb-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	db, err := vecdb.Open(dir)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	_ = db.CreateCollection(ctx, "docs", 3, vecdb.MetricCosine)

	langs := []string{"en", "de", "en", "fr"}
	for i, lang := range langs {
		vec := []float32{1, float32(i), 0}
		_, _ = db.Insert(ctx, "docs", vec, metadata.Document{"lang": metadata.String(lang)})
	}

	en := metadata.NewFilterSet(metadata.Filter{Key: "lang", Operator: metadata.OpEqual, Value: metadata.String("en")})
	res, err := db.Query("docs", []float32{1, 0, 0}).KNN(5).Where(en).Execute(ctx)
	if err != nil {
		log.Fatal(err)
	}
	for _, h := range res.Hits {
		fmt.Println(h.ID)
	}
	// Output:
	// 1
	// 3
}
