// healthprobe polls a chatsync server's health endpoint at a fixed rate and
// prints latency stats. Handy for watching a deployment during load tests.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/valyala/fasthttp"
)

func main() {
	target := flag.String("target", "http://127.0.0.1:8080/healthz", "health URL to probe")
	interval := flag.Duration("interval", time.Second, "probe interval")
	count := flag.Int("count", 0, "number of probes (0 = run until interrupted)")
	flag.Parse()

	client := &fasthttp.Client{
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	var latencies []time.Duration
	failures := 0
	for i := 0; *count == 0 || i < *count; i++ {
		if i > 0 {
			time.Sleep(*interval)
		}
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		req.SetRequestURI(*target)

		start := time.Now()
		err := client.Do(req, resp)
		elapsed := time.Since(start)
		status := resp.StatusCode()
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)

		if err != nil || status != fasthttp.StatusOK {
			failures++
			fmt.Printf("probe %d: FAIL status=%d err=%v\n", i+1, status, err)
			continue
		}
		latencies = append(latencies, elapsed)
		fmt.Printf("probe %d: ok %v\n", i+1, elapsed)
	}

	if len(latencies) == 0 {
		fmt.Println("no successful probes")
		os.Exit(1)
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	p := func(q float64) time.Duration {
		idx := int(q * float64(len(latencies)-1))
		return latencies[idx]
	}
	fmt.Printf("ok=%d fail=%d p50=%v p95=%v max=%v\n",
		len(latencies), failures, p(0.5), p(0.95), latencies[len(latencies)-1])
}
