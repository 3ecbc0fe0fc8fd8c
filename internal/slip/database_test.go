package slip

import (
	"errors"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("BoltDB", func() {
	var (
		dbPath string
		db     *BoltDB
	)

	newRecord := func(id, transRef string) *Record {
		return &Record{
			ID:        id,
			Source:    SourcePayload,
			TransRef:  transRef,
			Result:    testResult(transRef),
			CreatedAt: time.Date(2024, 9, 1, 10, 0, 0, 0, time.UTC),
		}
	}

	BeforeEach(func() {
		dbPath = filepath.Join(GinkgoT().TempDir(), "test.db")
		var err error
		db, err = NewBoltDB(dbPath)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	Describe("SaveRecord and GetRecord", func() {
		It("should store the record with its verification result", func() {
			Expect(db.SaveRecord(newRecord("id-1", "REF1"))).To(Succeed())

			record, err := db.GetRecord("id-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(record.TransRef).To(Equal("REF1"))
			Expect(record.Source).To(Equal(SourcePayload))
			Expect(record.Result.Amount.Amount).To(Equal(int64(150050)))
			Expect(record.Result.Status).To(Equal(200))
			Expect(record.Result.Receiver.Bank).To(BeNil())
			Expect(*record.Result.Receiver.Proxy).To(HaveField("Account", "xxx-xxx-5678"))
			Expect(*record.Result.Sender.Name.English).To(Equal("MR. THANA S"))
			Expect(record.Result.Date).To(BeTemporally("==", time.Date(2024, 8, 29, 8, 30, 45, 0, time.UTC)))
		})

		It("should return ErrNotFound for unknown IDs", func() {
			_, err := db.GetRecord("missing")
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		})
	})

	Describe("FindByTransRef", func() {
		It("should return the first record saved with the reference", func() {
			Expect(db.SaveRecord(newRecord("first", "REF1"))).To(Succeed())
			Expect(db.SaveRecord(newRecord("second", "REF1"))).To(Succeed())

			record, err := db.FindByTransRef("REF1")
			Expect(err).NotTo(HaveOccurred())
			Expect(record.ID).To(Equal("first"))
		})

		It("should flag later records as duplicates of the first", func() {
			first := newRecord("first", "REF1")
			second := newRecord("second", "REF1")
			Expect(db.SaveRecord(first)).To(Succeed())
			Expect(db.SaveRecord(second)).To(Succeed())

			Expect(first.Duplicate()).To(BeFalse())
			Expect(second.DuplicateOf).To(Equal("first"))

			stored, err := db.GetRecord("second")
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.DuplicateOf).To(Equal("first"))
		})

		It("should not flag a record saved again under its own ID", func() {
			record := newRecord("first", "REF1")
			Expect(db.SaveRecord(record)).To(Succeed())
			Expect(db.SaveRecord(record)).To(Succeed())
			Expect(record.Duplicate()).To(BeFalse())
		})

		It("should return ErrNotFound for unknown references", func() {
			_, err := db.FindByTransRef("nope")
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		})
	})

	Describe("ListRecords", func() {
		It("should return an empty list for a new database", func() {
			records, err := db.ListRecords()
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(BeEmpty())
		})

		It("should return every record", func() {
			Expect(db.SaveRecord(newRecord("a", "REF1"))).To(Succeed())
			Expect(db.SaveRecord(newRecord("b", "REF2"))).To(Succeed())

			records, err := db.ListRecords()
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(2))
		})
	})

	Describe("DeleteRecord", func() {
		saveAt := func(id string, minute int) {
			record := newRecord(id, "REF1")
			record.CreatedAt = record.CreatedAt.Add(time.Duration(minute) * time.Minute)
			Expect(db.SaveRecord(record)).To(Succeed())
		}

		BeforeEach(func() {
			saveAt("first", 0)
			saveAt("second", 1)
			saveAt("third", 2)
		})

		When("the original is deleted", func() {
			BeforeEach(func() {
				Expect(db.DeleteRecord("first")).To(Succeed())
			})

			It("should remove the record", func() {
				_, err := db.GetRecord("first")
				Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
			})

			It("should promote the earliest remaining duplicate", func() {
				record, err := db.FindByTransRef("REF1")
				Expect(err).NotTo(HaveOccurred())
				Expect(record.ID).To(Equal("second"))
				Expect(record.Duplicate()).To(BeFalse())
			})

			It("should repoint the other duplicates", func() {
				record, err := db.GetRecord("third")
				Expect(err).NotTo(HaveOccurred())
				Expect(record.DuplicateOf).To(Equal("second"))
			})

			It("should still flag a resubmitted slip", func() {
				resubmitted := newRecord("fourth", "REF1")
				Expect(db.SaveRecord(resubmitted)).To(Succeed())
				Expect(resubmitted.DuplicateOf).To(Equal("second"))
			})
		})

		When("a duplicate is deleted", func() {
			It("should keep the index on the original", func() {
				Expect(db.DeleteRecord("second")).To(Succeed())

				record, err := db.FindByTransRef("REF1")
				Expect(err).NotTo(HaveOccurred())
				Expect(record.ID).To(Equal("first"))

				third, err := db.GetRecord("third")
				Expect(err).NotTo(HaveOccurred())
				Expect(third.DuplicateOf).To(Equal("first"))
			})
		})

		When("every record of a reference is deleted", func() {
			It("should drop the index entry", func() {
				Expect(db.DeleteRecord("first")).To(Succeed())
				Expect(db.DeleteRecord("second")).To(Succeed())
				Expect(db.DeleteRecord("third")).To(Succeed())

				_, err := db.FindByTransRef("REF1")
				Expect(errors.Is(err, ErrNotFound)).To(BeTrue())

				fresh := newRecord("fifth", "REF1")
				Expect(db.SaveRecord(fresh)).To(Succeed())
				Expect(fresh.Duplicate()).To(BeFalse())
			})
		})

		It("should return ErrNotFound for unknown IDs", func() {
			Expect(errors.Is(db.DeleteRecord("missing"), ErrNotFound)).To(BeTrue())
		})
	})

	Describe("reopening", func() {
		It("should keep records across restarts", func() {
			Expect(db.SaveRecord(newRecord("id-1", "REF1"))).To(Succeed())
			Expect(db.Close()).To(Succeed())

			var err error
			db, err = NewBoltDB(dbPath)
			Expect(err).NotTo(HaveOccurred())

			record, err := db.FindByTransRef("REF1")
			Expect(err).NotTo(HaveOccurred())
			Expect(record.ID).To(Equal("id-1"))
		})
	})
})
