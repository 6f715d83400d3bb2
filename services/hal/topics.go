package hal

import "github.com/riot-framework/riot-core/bus"

// hal/res/<name>/...
func resBase(name string) bus.Topic { return bus.T("hal", "res", name) }

func topicConfigHAL() bus.Topic        { return bus.T("config", "hal") }
func topicHALState() bus.Topic         { return bus.T("hal", "state") }
func TopicCmd(name string) bus.Topic   { return resBase(name).Append("cmd") }
func TopicEvent(name string) bus.Topic { return resBase(name).Append("event") }
func TopicValue(name string) bus.Topic { return resBase(name).Append("value") }
func TopicState(name string) bus.Topic { return resBase(name).Append("state") }
func TopicInfo(name string) bus.Topic  { return resBase(name).Append("info") }

// hal/res/+/cmd
func cmdWildcard() bus.Topic { return bus.T("hal", "res", bus.Single, "cmd") }
