package slip

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/slip-verifier/easyslip"
)

const easySlipResponse = `{
	"status": 200,
	"data": {
		"payload": "0041000600000101030040220014242082547BPM049885102TH9104CF62",
		"transRef": "014242082547BPM04988",
		"date": "2024-08-29T15:30:45+07:00",
		"countryCode": "TH",
		"amount": {"amount": 150050, "local": {"amount": 0, "currency": ""}},
		"fee": 0,
		"ref1": "INV-001",
		"ref2": "",
		"ref3": "",
		"sender": {
			"bank": {"id": "004", "name": "ธนาคารกสิกรไทย", "short": "KBANK"},
			"account": {
				"name": {"th": "นาย ธนา ส", "en": "MR. THANA S"},
				"bank": {"type": "BANKAC", "account": "xxx-x-x1234-x"}
			}
		},
		"receiver": {
			"bank": {},
			"account": {
				"name": {"th": "บจก. ตัวอย่าง"}
			},
			"proxy": {"type": "MSISDN", "account": "xxx-xxx-5678"}
		}
	}
}`

var _ = Describe("Integration", func() {
	var (
		tempDir   string
		db        *BoltDB
		store     *LocalStorage
		easySlip  *ghttp.Server
		slipAPI   *ghttp.Server
		verifyHit int
	)

	BeforeEach(func() {
		tempDir = GinkgoT().TempDir()

		var err error
		db, err = NewBoltDB(filepath.Join(tempDir, "slips.db"))
		Expect(err).NotTo(HaveOccurred())

		store, err = NewLocalStorage(filepath.Join(tempDir, "slips"))
		Expect(err).NotTo(HaveOccurred())

		verifyHit = 0
		easySlip = ghttp.NewServer()
		easySlip.RouteToHandler(http.MethodGet, "/api/v1/verify", ghttp.CombineHandlers(
			ghttp.VerifyHeaderKV("Authorization", "Bearer test-key"),
			func(w http.ResponseWriter, r *http.Request) { verifyHit++ },
			ghttp.RespondWith(http.StatusOK, easySlipResponse),
		))
		easySlip.RouteToHandler(http.MethodPost, "/api/v1/verify", ghttp.CombineHandlers(
			ghttp.VerifyHeaderKV("Authorization", "Bearer test-key"),
			func(w http.ResponseWriter, r *http.Request) {
				verifyHit++
				f, _, err := r.FormFile("file")
				Expect(err).NotTo(HaveOccurred())
				f.Close()
			},
			ghttp.RespondWith(http.StatusOK, easySlipResponse),
		))

		client := easyslip.NewClient("test-key", easyslip.WithEndpoint(easySlip.URL()+"/api/v1/verify"))
		server := NewServer(NewService(db, client, store), BasicAuth{})

		slipAPI = ghttp.NewServer()
		routes := regexp.MustCompile(`^/api/slips`)
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
			slipAPI.RouteToHandler(method, routes, server.ServeHTTP)
		}
	})

	AfterEach(func() {
		slipAPI.Close()
		easySlip.Close()
		db.Close()
	})

	verifyPayload := func() *Record {
		resp, err := http.Post(slipAPI.URL()+"/api/slips/payload", "application/json",
			strings.NewReader(`{"payload": "0041000600000101030040220014242082547BPM049885102TH9104CF62"}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		var record Record
		decodeJSON(resp, &record)
		return &record
	}

	It("should verify a payload and keep the result", func() {
		record := verifyPayload()
		Expect(verifyHit).To(Equal(1))
		Expect(record.Source).To(Equal(SourcePayload))
		Expect(record.TransRef).To(Equal("014242082547BPM04988"))
		Expect(record.Result.Amount.Major().String()).To(Equal("1500.5"))
		Expect(record.Result.Receiver.Institution).To(BeNil())
		Expect(record.Result.Receiver.Proxy.Account).To(Equal("xxx-xxx-5678"))
		Expect(*record.Result.Sender.Institution.Short).To(Equal("KBANK"))

		resp, err := http.Get(slipAPI.URL() + "/api/slips/" + record.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var stored Record
		decodeJSON(resp, &stored)
		Expect(stored.TransRef).To(Equal(record.TransRef))
		Expect(stored.Result.Date.Equal(record.Result.Date)).To(BeTrue())
		Expect(*stored.Result.Sender.Name.English).To(Equal("MR. THANA S"))
	})

	It("should flag a slip verified twice", func() {
		first := verifyPayload()
		second := verifyPayload()

		Expect(first.Duplicate()).To(BeFalse())
		Expect(second.DuplicateOf).To(Equal(first.ID))

		resp, err := http.Get(slipAPI.URL() + "/api/slips")
		Expect(err).NotTo(HaveOccurred())
		var records []*Record
		decodeJSON(resp, &records)
		Expect(records).To(HaveLen(2))
	})

	It("should archive an uploaded image and delete it with the record", func() {
		data := pngBytes()
		body, contentType := multipartBody("file", "slip.png", data)
		resp, err := http.Post(slipAPI.URL()+"/api/slips", contentType, body)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		var record Record
		decodeJSON(resp, &record)
		Expect(record.Source).To(Equal(SourceImage))

		archived := filepath.Join(tempDir, "slips", record.Filename)
		Expect(archived).To(BeAnExistingFile())

		resp, err = http.Get(slipAPI.URL() + "/api/slips/" + record.ID + "/file")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
		resp.Body.Close()

		req, err := http.NewRequest(http.MethodDelete, slipAPI.URL()+"/api/slips/"+record.ID, nil)
		Expect(err).NotTo(HaveOccurred())
		resp, err = http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

		_, err = os.Stat(archived)
		Expect(os.IsNotExist(err)).To(BeTrue())
		_, err = db.FindByTransRef(record.TransRef)
		Expect(err).To(MatchError(ErrNotFound))
	})

	It("should pass rejections from the verification service through", func() {
		easySlip.RouteToHandler(http.MethodGet, "/api/v1/verify",
			ghttp.RespondWith(http.StatusNotFound, `{"status": 404, "message": "slip_not_found"}`))

		resp, err := http.Post(slipAPI.URL()+"/api/slips/payload", "application/json",
			strings.NewReader(`{"payload": "unknown"}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		var body map[string]any
		decodeJSON(resp, &body)
		Expect(body).To(HaveKeyWithValue("error", "slip_not_found"))

		records, err := db.ListRecords()
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(BeEmpty())
	})

	It("should report a malformed verification response as a gateway error", func() {
		easySlip.RouteToHandler(http.MethodGet, "/api/v1/verify",
			ghttp.RespondWith(http.StatusOK, `{"status": 200, "data": {"transRef": "x"}}`))

		resp, err := http.Post(slipAPI.URL()+"/api/slips/payload", "application/json",
			strings.NewReader(`{"payload": "abc"}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
		var body map[string]string
		Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
		resp.Body.Close()
		Expect(body["error"]).To(Equal("unexpected response from verification service"))
	})
})
