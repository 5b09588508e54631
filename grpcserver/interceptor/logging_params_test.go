/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"sync"
	"testing"
	"time"

	"github.com/ssgreg/logf"
	"github.com/stretchr/testify/suite"

	"github.com/acronis/go-grpcgate/log"
)

// LoggingParamsTestSuite is a test suite for LoggingParams
type LoggingParamsTestSuite struct {
	suite.Suite
}

func TestLoggingParams(t *testing.T) {
	suite.Run(t, &LoggingParamsTestSuite{})
}

func (s *LoggingParamsTestSuite) TestExtendFields() {
	lp := &LoggingParams{}

	lp.ExtendFields(
		log.String("field1", "value1"),
		log.Int("field2", 42),
	)
	lp.ExtendFields(log.String("field3", "value3"))

	fields := lp.getFields()
	s.Require().Len(fields, 3)
	s.Require().Equal("field1", fields[0].Key)
	s.Require().Equal("value1", string(fields[0].Bytes))
	s.Require().Equal(int64(42), fields[1].Int)
	s.Require().Equal("field3", fields[2].Key)
}

func (s *LoggingParamsTestSuite) TestAddAdmissionFields() {
	lp := &LoggingParams{}
	lp.addAdmissionFields("rate_limit", log.String("client_id", "user:42"))

	fields := lp.getFields()
	s.Require().Len(fields, 2)
	s.Require().Equal("admission_rejected_by", fields[0].Key)
	s.Require().Equal("rate_limit", string(fields[0].Bytes))
	s.Require().Equal("client_id", fields[1].Key)
}

func (s *LoggingParamsTestSuite) TestAddTimeSlots() {
	lp := &LoggingParams{}

	lp.AddTimeSlotInt("slot1", 100)
	lp.AddTimeSlotDurationInMs("slot2", 2*time.Second)
	lp.AddTimeSlotInt("slot1", 50)

	timeSlots := lp.getTimeSlots()
	s.Require().Len(timeSlots, 2)
	s.Require().Equal(int64(150), timeSlots["slot1"])
	s.Require().Equal(int64(2000), timeSlots["slot2"])

	// The returned map is a copy.
	timeSlots["slot1"] = 0
	s.Require().Equal(int64(150), lp.getTimeSlots()["slot1"])
}

func (s *LoggingParamsTestSuite) TestConcurrentUse() {
	lp := &LoggingParams{}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				lp.ExtendFields(log.Int("n", j))
				lp.AddTimeSlotInt("slot", 1)
				_ = lp.getFields()
			}
		}()
	}
	wg.Wait()
	s.Require().Len(lp.getFields(), 1000)
	s.Require().Equal(int64(1000), lp.getTimeSlots()["slot"])
}

type recordingFieldEncoder struct {
	logf.FieldEncoder
	ints map[string]int64
}

func (e *recordingFieldEncoder) EncodeFieldInt64(k string, v int64) {
	e.ints[k] = v
}

func (s *LoggingParamsTestSuite) TestLoggableIntMapEncode() {
	enc := &recordingFieldEncoder{ints: map[string]int64{}}
	s.Require().NoError(loggableIntMap{"a": 1, "b": 2}.EncodeLogfObject(enc))
	s.Require().Equal(map[string]int64{"a": 1, "b": 2}, enc.ints)
}
