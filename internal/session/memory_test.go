package session_test

import (
	"context"

	"github.com/bwmarrin/snowflake"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/querymind/nlsql/internal/model"
	"github.com/querymind/nlsql/internal/session"
)

var _ = Describe("MemoryStore", func() {
	var (
		store *session.MemoryStore
		ctx   context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		node, err := snowflake.NewNode(1)
		Expect(err).NotTo(HaveOccurred())
		store = session.NewMemoryStore(node)
	})

	Describe("CreateThread", func() {
		It("assigns an id and makes the thread retrievable", func() {
			thread, err := store.CreateThread(ctx, "my thread")
			Expect(err).NotTo(HaveOccurred())
			Expect(thread.ID).NotTo(BeEmpty())
			Expect(thread.Name).To(Equal("my thread"))

			got, err := store.GetThread(ctx, thread.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(thread))
		})
	})

	Describe("GetThread", func() {
		It("returns ErrThreadNotFound for an unknown id", func() {
			_, err := store.GetThread(ctx, "nope")
			Expect(err).To(MatchError(session.ErrThreadNotFound))
		})
	})

	Describe("messages", func() {
		It("appends in order and returns a copy", func() {
			thread, err := store.CreateThread(ctx, "t")
			Expect(err).NotTo(HaveOccurred())

			stored1, err := store.AddMessage(ctx, model.Message{ThreadID: thread.ID, Sender: model.SenderUser, Content: "hi"})
			Expect(err).NotTo(HaveOccurred())
			Expect(stored1.ID).NotTo(BeEmpty())
			Expect(stored1.CreatedAt).NotTo(BeZero())

			stored2, err := store.AddMessage(ctx, model.Message{ThreadID: thread.ID, Sender: model.SenderServer, Content: "hello"})
			Expect(err).NotTo(HaveOccurred())
			Expect(stored2.ID).NotTo(Equal(stored1.ID))

			msgs, err := store.ListMessages(ctx, thread.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[0].Content).To(Equal("hi"))
			Expect(msgs[1].Content).To(Equal("hello"))
		})
	})

	Describe("token usage", func() {
		It("accumulates monotonically across calls", func() {
			thread, err := store.CreateThread(ctx, "t")
			Expect(err).NotTo(HaveOccurred())

			Expect(store.RecordUsage(ctx, thread.ID, model.Usage{InputTokens: 10, OutputTokens: 5})).To(Succeed())
			Expect(store.RecordUsage(ctx, thread.ID, model.Usage{InputTokens: 3, OutputTokens: 2})).To(Succeed())

			usage, err := store.GetUsage(ctx, thread.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(usage.InputTokens).To(Equal(int64(13)))
			Expect(usage.OutputTokens).To(Equal(int64(7)))
			Expect(usage.TotalTokens).To(Equal(int64(20)))
			Expect(usage.CallCount).To(Equal(int64(2)))
		})
	})

	Describe("used databases", func() {
		It("deduplicates and returns a sorted list", func() {
			thread, err := store.CreateThread(ctx, "t")
			Expect(err).NotTo(HaveOccurred())

			Expect(store.AddUsedDatabases(ctx, thread.ID, []string{"customer_db", "accounts_db"})).To(Succeed())
			Expect(store.AddUsedDatabases(ctx, thread.ID, []string{"customer_db"})).To(Succeed())

			dbs, err := store.GetUsedDatabases(ctx, thread.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(dbs).To(Equal([]string{"accounts_db", "customer_db"}))
		})
	})

	Describe("ListThreads", func() {
		It("returns threads in creation order", func() {
			t1, err := store.CreateThread(ctx, "first")
			Expect(err).NotTo(HaveOccurred())
			t2, err := store.CreateThread(ctx, "second")
			Expect(err).NotTo(HaveOccurred())

			threads, err := store.ListThreads(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(threads).To(HaveLen(2))
			Expect(threads[0].ID).To(Equal(t1.ID))
			Expect(threads[1].ID).To(Equal(t2.ID))
		})
	})
})
