package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"

	"github.com/sarchlab/cosim/broker"
	"github.com/sarchlab/cosim/core"
	"github.com/sarchlab/cosim/routing"
	"github.com/sarchlab/cosim/transport/inproc"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type sampleStruct struct {
	field1 int
	field2 string
	field3 *sampleStruct
	field4 []sampleStruct
}

type fakeRouter struct {
	name  string
	queue int
}

func (r *fakeRouter) Name() string         { return r.name }
func (r *fakeRouter) State() routing.State { return routing.Operating }

func (r *fakeRouter) BaseSnapshot() routing.Snapshot {
	return routing.Snapshot{Name: r.name, QueueSize: r.queue}
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	return rec
}

func fieldPath(router, field string) string {
	req, err := json.Marshal(fieldReq{RouterName: router, FieldName: field})
	Expect(err).NotTo(HaveOccurred())

	return "/api/field/" + url.PathEscape(string(req))
}

var _ = Describe("walkFields", func() {
	It("should walk int fields", func() {
		s := &sampleStruct{
			field1: 1,
		}

		elem, err := walkFields(s, "field1")

		Expect(err).To(BeNil())
		Expect(elem.Kind()).To(Equal(reflect.Int))
		Expect(elem.Int()).To(Equal(int64(1)))
	})

	It("should walk string fields", func() {
		s := &sampleStruct{
			field2: "abc",
		}

		elem, err := walkFields(s, "field2")

		Expect(err).To(BeNil())
		Expect(elem.Kind()).To(Equal(reflect.String))
		Expect(elem.String()).To(Equal("abc"))
	})

	It("should walk recursively", func() {
		s := &sampleStruct{
			field3: &sampleStruct{
				field1: 1,
			},
		}

		elem, err := walkFields(s, "field3.field1")

		Expect(err).To(BeNil())
		Expect(elem.Int()).To(Equal(int64(1)))
	})

	It("should walk slice recursively", func() {
		s := &sampleStruct{
			field4: []sampleStruct{{
				field4: []sampleStruct{
					{field1: 1},
				},
			}, {}},
		}

		elem, err := walkFields(s, "field4.0.field4.0.field1")

		Expect(err).To(BeNil())
		Expect(elem.Int()).To(Equal(int64(1)))
	})

	It("should reject unknown fields", func() {
		_, err := walkFields(&sampleStruct{}, "field9")

		Expect(err).To(HaveOccurred())
	})

	It("should reject bad indexes", func() {
		s := &sampleStruct{field4: []sampleStruct{{}}}

		_, err := walkFields(s, "field4.x")
		Expect(err).To(MatchError(errFieldFormat))

		_, err = walkFields(s, "field4.3")
		Expect(err).To(HaveOccurred())
	})

	It("should not walk into scalars", func() {
		_, err := walkFields(&sampleStruct{}, "field1.x")

		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Monitor", func() {
	var (
		m *Monitor
		h http.Handler
	)

	BeforeEach(func() {
		m = NewMonitor()
		h = m.Handler()
	})

	It("should fall back to a random port", func() {
		Expect(m.WithPortNumber(80).portNumber).To(Equal(0))
		Expect(m.WithPortNumber(8080).portNumber).To(Equal(8080))
	})

	Context("with fake routers", func() {
		BeforeEach(func() {
			m.RegisterRouter(&fakeRouter{name: "b", queue: 3})
			m.RegisterRouter(&fakeRouter{name: "a", queue: 3})
			m.RegisterRouter(&fakeRouter{name: "c", queue: 7})
		})

		It("should list queues by size", func() {
			rec := get(h, "/api/queues")

			Expect(rec.Code).To(Equal(http.StatusOK))

			var queues []queueRsp
			Expect(json.Unmarshal(rec.Body.Bytes(), &queues)).To(Succeed())
			Expect(queues).To(Equal([]queueRsp{
				{Router: "c", Size: 7},
				{Router: "a", Size: 3},
				{Router: "b", Size: 3},
			}))
		})

		It("should page queues by name", func() {
			rec := get(h, "/api/queues?sort=name&limit=1&offset=1")

			var queues []queueRsp
			Expect(json.Unmarshal(rec.Body.Bytes(), &queues)).To(Succeed())
			Expect(queues).To(Equal([]queueRsp{{Router: "b", Size: 3}}))
		})

		It("should return an empty page past the end", func() {
			rec := get(h, "/api/queues?offset=10")

			Expect(rec.Body.String()).To(Equal("[]"))
		})

		It("should reject bad parameters", func() {
			Expect(get(h, "/api/queues?sort=level").Code).
				To(Equal(http.StatusBadRequest))
			Expect(get(h, "/api/queues?limit=x").Code).
				To(Equal(http.StatusBadRequest))
			Expect(get(h, "/api/queues?offset=-1").Code).
				To(Equal(http.StatusBadRequest))
		})

		It("should answer 404 for unknown routers", func() {
			Expect(get(h, "/api/router/z").Code).To(Equal(http.StatusNotFound))
			Expect(get(h, fieldPath("z", "Name")).Code).
				To(Equal(http.StatusNotFound))
		})

		It("should reject a malformed field request", func() {
			rec := get(h, "/api/field/"+url.PathEscape("{bad"))

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Context("with a core under a root broker", func() {
		var (
			registry *inproc.Registry
			root     *broker.CoreBroker
			c        *core.CommonCore
		)

		BeforeEach(func() {
			registry = inproc.NewRegistry()

			root = broker.MakeBuilder().
				WithName("root").
				WithTransport(inproc.MakeBuilder(registry).Build("root")).
				WithTickInterval(0).
				Build()
			Expect(root.Connect(context.Background())).To(Succeed())

			c = core.MakeBuilder().
				WithName("core1").
				WithTransport(inproc.MakeBuilder(registry).
					WithParent("root").Build("core1")).
				WithTickInterval(0).
				Build()
			Expect(c.Connect(context.Background())).To(Succeed())

			_, err := c.RegisterFederate("fedA", core.DefaultFederateInfo())
			Expect(err).NotTo(HaveOccurred())

			m.RegisterRouter(root)
			m.RegisterRouter(c)
		})

		AfterEach(func() {
			c.Stop()
			root.Stop()
			registry.Close()
		})

		It("should list the routers", func() {
			rec := get(h, "/api/list_routers")

			var routers []routerRsp
			Expect(json.Unmarshal(rec.Body.Bytes(), &routers)).To(Succeed())
			Expect(routers).To(HaveLen(2))
			Expect(routers[0].Name).To(Equal("root"))
			Expect(routers[1].Name).To(Equal("core1"))
			Expect(routers[1].State).To(BeElementOf("connected", "operating"))
		})

		It("should pick the detailed view of each router kind", func() {
			Expect(view(c)).To(BeAssignableToTypeOf(&core.Snapshot{}))
			Expect(view(root)).To(BeAssignableToTypeOf(&broker.Snapshot{}))
			Expect(view(&fakeRouter{})).
				To(BeAssignableToTypeOf(&routing.Snapshot{}))
		})

		It("should serialize a router", func() {
			rec := get(h, "/api/router/core1")

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.Len()).To(BeNumerically(">", 0))
		})

		It("should serialize a field of a router", func() {
			rec := get(h, fieldPath("core1", "Federates.0.Name"))

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring("fedA"))
		})

		It("should answer 404 for missing fields", func() {
			Expect(get(h, fieldPath("core1", "Federates.3")).Code).
				To(Equal(http.StatusNotFound))
			Expect(get(h, fieldPath("root", "Nothing")).Code).
				To(Equal(http.StatusNotFound))
		})
	})

	It("should report progress bars until they complete", func() {
		bar := m.CreateProgressBar("rounds", 10)
		bar.IncrementInProgress(4)
		bar.MoveInProgressToFinished(3)

		var bars []progressRsp
		Expect(json.Unmarshal(get(h, "/api/progress").Body.Bytes(), &bars)).
			To(Succeed())
		Expect(bars).To(HaveLen(1))
		Expect(bars[0].Name).To(Equal("rounds"))
		Expect(bars[0].Finished).To(Equal(uint64(3)))
		Expect(bars[0].InProgress).To(Equal(uint64(1)))

		m.CompleteProgressBar(bar)

		Expect(get(h, "/api/progress").Body.String()).To(Equal("[]"))
	})

	It("should report the resources of the process", func() {
		rec := get(h, "/api/resource")

		var rsp resourceRsp
		Expect(json.Unmarshal(rec.Body.Bytes(), &rsp)).To(Succeed())
		Expect(rsp.MemorySize).To(BeNumerically(">", 0))
	})
})
