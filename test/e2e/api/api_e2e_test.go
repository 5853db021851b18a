// Package api provides end-to-end tests for the publish API against a real broker.
package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/rabbitmq-poc/internal/demo"
	"procodus.dev/rabbitmq-poc/internal/inspect"
)

func snapshot() (*inspect.Report, error) {
	client, err := inspect.NewClient(inspect.Config{
		URL:      broker.ManagementURL,
		Username: broker.Config.Username,
		Password: broker.Config.Password,
		Timeout:  5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	i, err := inspect.New(client, "/", testLogger)
	if err != nil {
		return nil, err
	}
	return i.Snapshot("poc.")
}

func depth(queue string) func() (int, error) {
	return func() (int, error) {
		report, err := snapshot()
		if err != nil {
			return 0, err
		}
		q, _ := report.Queue(queue)
		return q.Messages, nil
	}
}

func post(body string) (int, map[string]any) {
	resp, err := http.Post(httpServer.URL+"/api/rabbitmq/message", "application/json", strings.NewReader(body))
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()

	var out map[string]any
	Expect(json.NewDecoder(resp.Body).Decode(&out)).To(Succeed())
	return resp.StatusCode, out
}

var _ = Describe("Publish API E2E", Ordered, func() {
	It("should report the declared topology", func() {
		report, err := snapshot()
		Expect(err).NotTo(HaveOccurred())

		for _, q := range demo.Queues() {
			_, ok := report.Queue(q)
			Expect(ok).To(BeTrue(), q)
		}
		Expect(report.Bindings).To(ContainElement(inspect.BindingStatus{
			Exchange:   demo.TopicExchange,
			Queue:      demo.QueueThree,
			RoutingKey: demo.TopicKeyPattern,
		}))
	})

	It("should report a healthy broker", func() {
		resp, err := http.Get(httpServer.URL + "/health")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})

	It("should publish to the direct exchange", func() {
		code, out := post(`{"exchange":"poc.direct.exchange","routingKey":"poc.key.one","body":{"hello":"direct"}}`)
		Expect(code).To(Equal(http.StatusOK))
		Expect(out).To(HaveKeyWithValue("success", true))

		Eventually(depth(demo.QueueOne), 20*time.Second, time.Second).Should(Equal(1))
		Consistently(depth(demo.QueueTwo), 2*time.Second, time.Second).Should(BeZero())
	})

	It("should publish to the fanout exchange", func() {
		code, _ := post(`{"exchange":"poc.fanout.exchange","routingKey":"any","body":"broadcast"}`)
		Expect(code).To(Equal(http.StatusOK))

		Eventually(depth(demo.QueueOne), 20*time.Second, time.Second).Should(Equal(2))
		Eventually(depth(demo.QueueTwo), 20*time.Second, time.Second).Should(Equal(1))
	})

	It("should keep publishing after a publish to an unknown exchange", func() {
		// Without publisher confirms the broker reports the missing exchange by
		// closing the channel; the next publish returns that fault once.
		_, _ = post(`{"exchange":"poc.missing.exchange","routingKey":"k","body":"x"}`)

		Eventually(func() int {
			code, _ := post(`{"exchange":"poc.topic.exchange","routingKey":"poc.topic.after","body":"x"}`)
			return code
		}, 10*time.Second, 500*time.Millisecond).Should(Equal(http.StatusOK))
		Eventually(depth(demo.QueueThree), 20*time.Second, time.Second).Should(BeNumerically(">=", 1))
	})
})
